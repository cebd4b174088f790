package tracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-leech/leech/bencode"
)

// HTTPClient implements Client against the BEP 3 HTTP tracker protocol: a
// GET request with percent-encoded query parameters, and a bencoded
// response.
type HTTPClient struct {
	announceURL string
	httpClient  *http.Client
}

// NewHTTPClient builds an HTTP tracker client for announceURL.
func NewHTTPClient(announceURL string, config Config) *HTTPClient {
	config = config.applyDefaults()
	return &HTTPClient{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: config.HTTPTimeout},
	}
}

// Announce performs one GET request against the tracker and decodes its
// bencoded response.
func (c *HTTPClient) Announce(params Params) (*AnnounceResult, error) {
	req, err := http.NewRequest(http.MethodGet, c.announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}
	req.URL.RawQuery = buildQuery(params).Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: http announce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tracker: http announce returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tracker: reading response: %w", err)
	}

	return decodeHTTPResponse(body)
}

// Close is a no-op: the shared http.Client owns no per-announce resources.
func (c *HTTPClient) Close() error { return nil }

// buildQuery encodes params the way a BEP 3 tracker expects: info_hash and
// peer_id are percent-encoded raw bytes, not text.
func buildQuery(p Params) url.Values {
	v := url.Values{}
	v.Set("info_hash", string(p.InfoHash.Bytes()))
	v.Set("peer_id", string(p.PeerID.Bytes()))
	v.Set("port", strconv.Itoa(p.Port))
	v.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	v.Set("left", strconv.FormatInt(p.Left, 10))
	v.Set("compact", "1")
	if p.Event != EventNone {
		v.Set("event", p.Event.String())
	}
	if p.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(p.NumWant))
	}
	v.Set("key", strconv.FormatUint(uint64(p.Key), 10))
	return v
}

func decodeHTTPResponse(body []byte) (*AnnounceResult, error) {
	val, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}
	dict, ok := val.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a dictionary")
	}

	if reason, err := dict.GetString("failure reason"); err == nil {
		return nil, fmt.Errorf("tracker: failure reason: %s", reason)
	}

	result := &AnnounceResult{}
	if interval, err := dict.GetInt("interval"); err == nil {
		result.Interval = int(interval)
	}
	if complete, err := dict.GetInt("complete"); err == nil {
		result.Seeders = int(complete)
	}
	if incomplete, err := dict.GetInt("incomplete"); err == nil {
		result.Leechers = int(incomplete)
	}

	peersVal, ok := dict.Get("peers")
	if !ok {
		return nil, fmt.Errorf("tracker: response missing peers")
	}
	peers, err := decodePeers(peersVal)
	if err != nil {
		return nil, err
	}
	result.Peers = peers
	return result, nil
}

// decodePeers handles both the compact (byte-string) and non-compact (list
// of dictionaries) peer formats a tracker may return.
func decodePeers(v interface{}) ([]PeerAddr, error) {
	switch t := v.(type) {
	case []byte:
		return ParseCompactPeers(t)
	case string:
		return ParseCompactPeers([]byte(t))
	case []interface{}:
		peers := make([]PeerAddr, 0, len(t))
		for _, pv := range t {
			pd, ok := pv.(*bencode.Dict)
			if !ok {
				return nil, fmt.Errorf("tracker: non-compact peer entry is not a dictionary")
			}
			ip, err := pd.GetString("ip")
			if err != nil {
				return nil, fmt.Errorf("tracker: non-compact peer: %w", err)
			}
			port, err := pd.GetInt("port")
			if err != nil {
				return nil, fmt.Errorf("tracker: non-compact peer: %w", err)
			}
			peers = append(peers, PeerAddr{IP: parseIP(ip), Port: uint16(port)})
		}
		return peers, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers encoding: %T", v)
	}
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
