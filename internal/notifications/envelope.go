package notifications

// Meta carries pagination hints; single-object responses leave it zeroed.
type Meta struct {
	Total       int  `json:"total"`
	Limit       int  `json:"limit"`
	Page        int  `json:"page"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// Envelope is the uniform HTTP response body for every endpoint.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
	Meta    Meta   `json:"meta"`
}

func OK(data any, message string) Envelope {
	return Envelope{Success: true, Data: data, Message: message}
}

func Fail(err, message string) Envelope {
	return Envelope{Success: false, Error: err, Message: message}
}
