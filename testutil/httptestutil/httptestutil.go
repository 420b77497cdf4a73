package httptestutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/clients"
	"gitlab.com/arcanecrypto/vendcoil/testutil"
	"gitlab.com/arcanecrypto/vendcoil/testutil/clienttestutil"
)

// Server is something that can serve HTTP requests
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness is a structure that allows us to execute tests that need
// HTTP serving capabilities, as well as other potential external services.
type TestHarness struct {
	server   Server
	database *db.DB
}

func NewTestHarness(server Server, database *db.DB) TestHarness {
	return TestHarness{server: server, database: database}
}

// Checks if the given string is valid JSON
func isJSONString(s string) bool {
	var js interface{}
	err := json.Unmarshal([]byte(s), &js)
	return err == nil
}

type AuthRequestArgs struct {
	AccessToken string
	Path        string
	Method      string
	Body        string
}

// GetAuthRequest returns a HTTP request that carries a proper auth header
// and an optional JSON body
func GetAuthRequest(t *testing.T, args AuthRequestArgs) *http.Request {
	t.Helper()
	if args.AccessToken == "" {
		testutil.FatalMsg(t, "You forgot to set AccessToken")
	}
	req := GetRequest(t, RequestArgs{Path: args.Path,
		Method: args.Method, Body: args.Body})
	req.Header.Set("Authorization", "Bearer "+args.AccessToken)
	return req
}

type RequestArgs struct {
	Path   string
	Method string
	Body   string
}

// GetRequest returns a HTTP request with an optional JSON body
func GetRequest(t *testing.T, args RequestArgs) *http.Request {
	t.Helper()
	if args.Path == "" {
		testutil.FatalMsg(t, "You forgot to set Path")
	}
	if args.Method == "" {
		testutil.FatalMsg(t, "You forgot to set Method")
	}

	var body *bytes.Buffer
	if args.Body == "" {
		body = &bytes.Buffer{}
	} else if isJSONString(args.Body) {
		body = bytes.NewBuffer([]byte(args.Body))
	} else {
		testutil.FatalMsgf(t, "Body was not valid JSON: %s", args.Body)
	}

	res, err := http.NewRequest(args.Method, args.Path, body)
	if err != nil {
		testutil.FatalMsgf(t, "Couldn't construct request: %+v", err)
	}
	return res
}

// AssertResponseNotOk performs the given request and asserts both that it
// fails and that the body is a well formed error response. It returns the
// response recorder as well as the parsed error.
func (harness *TestHarness) AssertResponseNotOk(t *testing.T, request *http.Request) (*httptest.ResponseRecorder, apierr.Response) {
	t.Helper()
	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)
	if response.Code < 300 {
		testutil.FatalMsgf(t, "Got success code (%d) on path %s", response.Code, extractMethodAndPath(request))
	}

	var parsed apierr.Response
	if err := json.Unmarshal(response.Body.Bytes(), &parsed); err != nil {
		testutil.FatalMsgf(t, "Could not parse error body %q: %v", response.Body.String(), err)
	}
	if parsed.Detail == "" {
		testutil.FatalMsgf(t, "Error body %q did not have a detail message", response.Body.String())
	}

	return response, parsed
}

// AssertResponseNotOkWithCode checks that the given request results in the
// given HTTP status code. It returns the response to the request.
func (harness *TestHarness) AssertResponseNotOkWithCode(t *testing.T, request *http.Request, code int) (*httptest.ResponseRecorder, apierr.Response) {
	testutil.AssertMsgf(t, code >= 100 && code <= 599, "Given code (%d) is not a valid HTTP code", code)
	t.Helper()

	response, parsed := harness.AssertResponseNotOk(t, request)
	testutil.AssertMsgf(t, response.Code == code,
		"Expected code (%d) does not match with found code (%d): %s", code, response.Code, response.Body.String())
	return response, parsed
}

// First performs `AssertResponseOk`, then asserts that the body of the response
// can be parsed as JSON, and then returns the parsed JSON
func (harness *TestHarness) AssertResponseOkWithJson(t *testing.T, request *http.Request) map[string]interface{} {
	t.Helper()
	response := harness.AssertResponseOk(t, request)
	var destination map[string]interface{}

	if err := json.Unmarshal(response.Body.Bytes(), &destination); err != nil {
		stringBody := response.Body.String()
		testutil.FatalMsgf(t, "%+v. Body: %s ",
			err, stringBody)
	}
	return destination
}

func extractMethodAndPath(req *http.Request) string {
	return req.Method + " " + req.URL.Path
}

// Performs the given request against the API. Asserts that the
// response completed successfully. Returns the response from the API
func (harness *TestHarness) AssertResponseOk(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	if request.Body != nil {
		// save the body bytes so they can be read again for error messages
		bodyBytes, err := ioutil.ReadAll(request.Body)
		if err != nil {
			testutil.FatalMsgf(t, "Could not read body: %v", err)
		}
		request.Body = ioutil.NopCloser(bytes.NewBuffer(bodyBytes))
	}

	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)

	if response.Code < 200 || response.Code >= 300 {
		testutil.FatalMsgf(t, "Got failure code (%d) on path %s: %s",
			response.Code, extractMethodAndPath(request), response.Body.String())
	}

	return response
}

// CreateAndAuthenticateClient provisions a client straight in the database
// and trades its credentials for a bearer token through the API. It returns
// the client and the access token.
func (harness *TestHarness) CreateAndAuthenticateClient(t *testing.T, password string) (clients.Client, string) {
	t.Helper()
	client := clienttestutil.CreateClientOrFailWithPassword(t, harness.database, password)
	token := harness.AuthenticateClient(t, client.MachineID, password)
	return client, token
}

// AuthenticateClient hits the token endpoint with the given credentials and
// returns the access token from the response.
func (harness *TestHarness) AuthenticateClient(t *testing.T, machineID, password string) string {
	t.Helper()
	tokenReq := GetRequest(t, RequestArgs{
		Path:   "/api/v1/auth/token",
		Method: "POST",
		Body: fmt.Sprintf(`{
			"machine_id": %q,
			"password": %q
		}`, machineID, password),
	})

	jsonRes := harness.AssertResponseOkWithJson(t, tokenReq)

	const tokenPath = "access_token"
	maybeNilToken, ok := jsonRes[tokenPath]
	if !ok {
		testutil.FatalMsgf(t, "Returned JSON (%+v) did not have property %q", jsonRes, tokenPath)
	}

	token, ok := maybeNilToken.(string)
	if !ok || token == "" {
		testutil.FatalMsgf(t, "Returned JSON (%+v) did not have a string %q", jsonRes, tokenPath)
	}

	return token
}
