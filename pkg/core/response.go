package core

// ResponseType tags an element of a capability response stream.
type ResponseType string

const (
	ResponseProgress ResponseType = "progress"
	ResponseResult   ResponseType = "result"
)

// Response is one element of a capability response stream: zero or more
// progress events followed by at most one result.
type Response struct {
	Type    ResponseType
	Content any
}

// Progress builds a progress response.
func Progress(content any) Response {
	return Response{Type: ResponseProgress, Content: content}
}

// Result builds a terminal result response.
func Result(data any) Response {
	return Response{Type: ResponseResult, Content: data}
}

// IsResult reports whether r is the terminal result.
func (r Response) IsResult() bool {
	return r.Type == ResponseResult
}
