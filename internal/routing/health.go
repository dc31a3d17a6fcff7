package routing

// HealthCode is the derived health of a connector.
type HealthCode int

const (
	HealthUnknown HealthCode = iota
	HealthOK
	HealthFailed
)

func (c HealthCode) String() string {
	switch c {
	case HealthOK:
		return "OK"
	case HealthFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// HealthStatus is a health code with an optional explanation.
type HealthStatus struct {
	Code    HealthCode
	Message string
	Err     error
}

func UnknownStatus() HealthStatus {
	return HealthStatus{Code: HealthUnknown}
}

func OKStatus() HealthStatus {
	return HealthStatus{Code: HealthOK}
}

func FailedStatus(message string, err error) HealthStatus {
	return HealthStatus{Code: HealthFailed, Message: message, Err: err}
}

func (s HealthStatus) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}
