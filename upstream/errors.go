package upstream

// ErrorClass buckets upstream error codes by how the session reacts.
type ErrorClass int

const (
	// ClassWarning is surfaced to the owning request if one is scoped.
	ClassWarning ErrorClass = iota
	// ClassFatal ends the session and triggers reconnect.
	ClassFatal
	// ClassInfo is logged only (farm status notices and the like).
	ClassInfo
	// ClassContractNotFound terminates the one subscription it names.
	ClassContractNotFound
)

// Upstream error codes with special handling.
const (
	CodeContractNotFound = 200
	CodeConnectivityLost = 1100
)

// Classify maps an upstream error code to its handling class.
func Classify(code int) ErrorClass {
	switch code {
	case 502, 504, CodeConnectivityLost:
		return ClassFatal
	case CodeContractNotFound:
		return ClassContractNotFound
	case 2104, 2106, 2158:
		return ClassInfo
	}
	if code >= 2100 && code <= 2103 {
		return ClassInfo
	}
	return ClassWarning
}

func (c ErrorClass) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassInfo:
		return "info"
	case ClassContractNotFound:
		return "contract_not_found"
	default:
		return "warning"
	}
}
