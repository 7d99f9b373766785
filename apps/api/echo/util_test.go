package echoapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/trezcool/unihub/core"
	"github.com/trezcool/unihub/core/portal"
	inmemdb "github.com/trezcool/unihub/storage/database/inmem"
	memrealtime "github.com/trezcool/unihub/storage/realtime/memory"
	testutil "github.com/trezcool/unihub/tests"
)

var errMissingToken = httpErr{Error: "missing or malformed jwt"}

type testApp struct {
	conf   *core.Config
	server *Server
	repo   portal.Repository
	hub    *memrealtime.Hub
	logger *testutil.Logger
}

func testConfig() *core.Config {
	return &core.Config{
		AppName:   "UniHub",
		Env:       "TEST",
		TestMode:  true,
		SecretKey: "test-secret-key",
		Server: core.ServerConfig{
			AllowedOrigins:      []string{"*"},
			DisableRequestLogs:  true,
			JWTExpirationDelta:  time.Hour,
			WebsocketBufferSize: 1024,
		},
	}
}

func setup(t *testing.T) testApp {
	t.Helper()
	conf := testConfig()

	// set up DB & repos
	repo := inmemdb.NewPortalRepository(inmemdb.Open())

	// set up services
	hub := memrealtime.NewHub(0)
	logger := &testutil.Logger{}
	translator := core.NewTranslator()
	validate := core.NewValidator(translator)
	portal.InitValidators(validate, translator)
	svc := portal.NewService(repo, hub, logger)

	// set up server
	server := NewServer(conf, logger, svc, hub, validate, translator)
	t.Cleanup(func() {
		_ = server.Close()
		_ = hub.Close()
	})
	return testApp{conf: conf, server: server, repo: repo, hub: hub, logger: logger}
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func (app testApp) getToken(t *testing.T, p portal.Profile) string {
	t.Helper()
	token, err := GenerateToken(NewClaims(p, app.conf), app.conf)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func (app testApp) run(t *testing.T, tests []httpTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.server.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func marshallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
