// Package echo is the upstream used by integration tests: it reflects what Envoy forwarded after ext_proc ran.
package echo

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// UserHeader is the header Envoy populates from the user-name dynamic metadata.
const UserHeader = "x-user-name"

type ErrorResponse struct {
	Error string `json:"error"`
}

type RequestHeaderResponse struct {
	Headers map[string]string `json:"headers"`
}

type UserResponse struct {
	UserName string `json:"userName"`
	Present  bool   `json:"present"`
}

func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	Register(mux)
	return mux
}

func Register(mux *http.ServeMux) {
	mux.HandleFunc("/headers", RequestHeaders)
	mux.HandleFunc("/response-headers", ResponseHeaders)
	mux.HandleFunc("/user", User)
}

// RequestHeaders writes the request headers in the payload
func RequestHeaders(w http.ResponseWriter, request *http.Request) {
	resp := RequestHeaderResponse{
		Headers: make(map[string]string, len(request.Header)+2),
	}
	for headerName := range request.Header {
		resp.Headers[headerName] = request.Header.Get(headerName)
	}
	resp.Headers["Host"] = request.Host
	resp.Headers["Method"] = request.Method

	respond(w, http.StatusOK, resp)
}

// User writes the user name forwarded by Envoy, if any.
func User(w http.ResponseWriter, request *http.Request) {
	values := request.Header.Values(UserHeader)
	resp := UserResponse{Present: len(values) > 0}
	if resp.Present {
		resp.UserName = values[0]
	}
	respond(w, http.StatusOK, resp)
}

type ResponseHeaderResponse map[string]string

// ResponseHeaders writes response headers from query parameters, "status" sets the status code.
func ResponseHeaders(w http.ResponseWriter, request *http.Request) {
	statusCode := http.StatusOK
	resp := make(ResponseHeaderResponse)
	for k, v := range request.URL.Query() {
		if len(v) == 0 {
			continue
		}
		if k == "status" {
			code, err := strconv.Atoi(v[0])
			if err != nil {
				respond(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
				return
			}
			statusCode = code
		}
		for _, value := range v {
			w.Header().Add(k, value)
		}
		resp[k] = v[0]
	}
	respond(w, statusCode, resp)
}

func respond(w http.ResponseWriter, statusCode int, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(raw) // nolint:errcheck
}
