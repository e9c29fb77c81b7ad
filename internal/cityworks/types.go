package cityworks

import "fmt"

// envelope is the common wrapper Cityworks puts around every response. Value
// is decoded per endpoint because each call nests its payload differently.
type envelope struct {
	Status  int    `json:"Status"`
	Message string `json:"Message"`
}

type authResponse struct {
	envelope
	Value struct {
		Token string `json:"Token"`
	} `json:"Value"`
}

type preferencesResponse struct {
	envelope
	Value struct {
		SpatialReference *int `json:"SpatialReference"`
	} `json:"Value"`
}

type problemsResponse struct {
	envelope
	Value []struct {
		ProblemCode string `json:"ProblemCode"`
		ProblemSid  any    `json:"ProblemSid"`
	} `json:"Value"`
}

type createResponse struct {
	envelope
	Value struct {
		RequestID any `json:"RequestId"`
	} `json:"Value"`
}

// StatusResponse is the raw parsed status payload of the attachment and
// comment endpoints. Status 0 means success; interpretation is left to the
// caller.
type StatusResponse struct {
	Status        int `json:"Status"`
	ErrorMessages any `json:"ErrorMessages"`
}

// OK reports whether the call succeeded.
func (r StatusResponse) OK() bool { return r.Status == 0 }

// ErrorText renders ErrorMessages for logging.
func (r StatusResponse) ErrorText() string { return fmt.Sprintf("%v", r.ErrorMessages) }

// AuthError is a failed authentication, carrying the payload status code and
// message returned by Cityworks.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("cityworks authentication failed: %d: %s", e.Status, e.Message)
}
