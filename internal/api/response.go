package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is the JSON envelope of every endpoint.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success wraps result in an "ok" envelope.
func Success(result interface{}) Response {
	return Response{Status: "ok", Result: result}
}

// Error builds an "error" envelope.
func Error(message string) Response {
	return Response{Status: "error", Message: message}
}

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		s.log.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		s.log.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}
