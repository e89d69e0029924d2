package cluster

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clusterfs/snaptool/pkg/log"
	"github.com/rs/zerolog"
)

const (
	apiPath    = "/api/v1"
	apiPort    = 14000
	apiTimeout = 60 * time.Second
)

// Spec is the immutable connection description read from the config
// document. The planner compares specs to decide whether a reload needs
// a reconnect.
type Spec struct {
	Hosts         []string
	AuthTokenFile string
	ForceHTTPS    bool
	VerifyCert    bool
}

// Equal reports whether two specs describe the same connection.
func (s Spec) Equal(other Spec) bool {
	if len(s.Hosts) != len(other.Hosts) {
		return false
	}
	for i := range s.Hosts {
		if s.Hosts[i] != other.Hosts[i] {
			return false
		}
	}
	return s.AuthTokenFile == other.AuthTokenFile &&
		s.ForceHTTPS == other.ForceHTTPS &&
		s.VerifyCert == other.VerifyCert
}

type authToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// API is the request/response transport to one cluster host. It is safe
// for serialised use by one task at a time; the engine never issues
// concurrent calls through a single transport.
type API struct {
	spec    Spec
	httpc   *http.Client
	token   authToken
	hostIdx int
	reqID   uint64
	logger  zerolog.Logger
}

// Dial builds a transport from the spec, reads the auth token file, and
// verifies the cluster answers a status call.
func Dial(spec Spec) (*API, error) {
	if len(spec.Hosts) == 0 {
		return nil, fmt.Errorf("no cluster hosts configured")
	}
	a := &API{
		spec:   spec,
		logger: log.WithComponent("cluster-api"),
		httpc: &http.Client{
			Timeout: apiTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: !spec.VerifyCert},
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
			},
		},
	}
	if err := a.loadToken(); err != nil {
		return nil, err
	}
	var probe json.RawMessage
	if err := a.Call("status", map[string]any{}, &probe); err != nil {
		return nil, fmt.Errorf("cluster status probe failed: %w", err)
	}
	return a, nil
}

func (a *API) loadToken() error {
	path := a.spec.AuthTokenFile
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read auth token file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &a.token); err != nil {
		return fmt.Errorf("failed to parse auth token file %s: %w", path, err)
	}
	return nil
}

func (a *API) endpoint() string {
	host := a.spec.Hosts[a.hostIdx%len(a.spec.Hosts)]
	scheme := "http"
	if a.spec.ForceHTTPS {
		scheme = "https"
	}
	if !strings.Contains(host, ":") {
		host = fmt.Sprintf("%s:%d", host, apiPort)
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, apiPath)
}

// rotateHost moves to the next configured host; called on transport
// failure so a dead node does not pin the daemon.
func (a *API) rotateHost() {
	a.hostIdx++
	a.logger.Warn().Str("endpoint", a.endpoint()).Msg("Rotating to next cluster host")
}

// Call invokes one named method with a parameter mapping and decodes
// the result into out (which may be nil).
func (a *API) Call(method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&a.reqID, 1),
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequest(http.MethodPost, a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.token.AccessToken)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		a.rotateHost()
		return &CallError{Method: method, Err: err, Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("(%d) %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		if resp.StatusCode >= 500 {
			a.rotateHost()
		}
		return &CallError{Method: method, Err: err, StatusCode: resp.StatusCode, Transient: resp.StatusCode >= 500}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &CallError{Method: method, Err: fmt.Errorf("bad response body: %w", err), Transient: true}
	}
	if rpcResp.Error != nil {
		return &CallError{
			Method:     method,
			Err:        fmt.Errorf("%s (code %d)", rpcResp.Error.Message, rpcResp.Error.Code),
			StatusCode: resp.StatusCode,
		}
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}
