package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dreamware/chatring/internal/directory"
)

// PeerInfo describes one configured ring endpoint.
type PeerInfo struct {
	Index int    `json:"index"`
	Addr  string `json:"addr"`
}

// RingStatus is the document served at /status.
type RingStatus struct {
	Self       PeerInfo        `json:"self"`
	Primary    int             `json:"primary"`
	IsPrimary  bool            `json:"is_primary"`
	InElection bool            `json:"in_election"`
	State      string          `json:"state"`
	Peers      []PeerInfo      `json:"peers"`
	Directory  directory.Stats `json:"directory"`
	FrontEnds  int             `json:"frontends"`
	Time       time.Time       `json:"time"`
}

// StatusAddr returns the HTTP address paired with a ring endpoint.
func StatusAddr(ringAddr string, offset int) (string, error) {
	host, port, err := net.SplitHostPort(ringAddr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("ring port %q: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+offset)), nil
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// GetJSON fetches url and decodes the JSON body into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchStatus reads the RingStatus of the peer whose ring endpoint is
// ringAddr.
func FetchStatus(ctx context.Context, ringAddr string, offset int) (RingStatus, error) {
	var st RingStatus
	addr, err := StatusAddr(ringAddr, offset)
	if err != nil {
		return st, err
	}
	err = GetJSON(ctx, "http://"+addr+"/status", &st)
	return st, err
}
