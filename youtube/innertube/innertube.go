// Package innertube talks to the YouTube InnerTube /player endpoint.
package innertube

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/ytget/ytmux/client"
	"github.com/ytget/ytmux/internal/logger"
)

const (
	// DefaultBaseURL is the origin of watch pages and the InnerTube API.
	DefaultBaseURL = "https://www.youtube.com"

	playerPath            = "/youtubei/v1/player"
	headerContentTypeJSON = "application/json"
	clientNameWEB         = "WEB"
	defaultClientVersion  = "2.20250312.04.00"
	configMaxAge          = 10 * time.Hour
	ytcfgSeparator        = "\nytcfg.set("
)

var (
	apiKeyRe    = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)
	clientVerRe = regexp.MustCompile(`"INNERTUBE_CLIENT_VERSION":"([^"]+)"`)
)

// clientCodeFromName returns X-YouTube-Client-Name numeric code for known clients
func clientCodeFromName(name string) string {
	switch strings.ToUpper(name) {
	case "WEB":
		return "1"
	case "MWEB":
		return "2"
	case "ANDROID":
		return "3"
	case "IOS":
		return "5"
	case "TVHTML5":
		return "7"
	case "WEB_EMBEDDED_PLAYER":
		return "56"
	case "WEB_CREATOR":
		return "62"
	case "WEB_REMIX":
		return "67"
	case "TVHTML5_SIMPLY":
		return "75"
	case "TVHTML5_SIMPLY_EMBEDDED_PLAYER":
		return "85"
	default:
		return ""
	}
}

// Client for interacting with the YouTube InnerTube API.
type Client struct {
	http       *client.Client
	baseURL    string
	clientName string
	clientVer  string

	mu  sync.Mutex
	cfg struct {
		apiKey    string
		version   string
		visitorID string
		updated   time.Time
	}
}

// New creates a new InnerTube client. If hc is nil, client.New is used.
func New(hc *client.Client) *Client {
	if hc == nil {
		hc = client.New()
	}
	return &Client{http: hc, baseURL: DefaultBaseURL, clientName: clientNameWEB}
}

// WithClient overrides InnerTube client name/version to shape playback URLs.
func (c *Client) WithClient(name, version string) *Client {
	if strings.TrimSpace(name) != "" {
		c.clientName = name
	}
	if strings.TrimSpace(version) != "" {
		c.clientVer = version
	}
	return c
}

// WithBaseURL points the client at another origin.
func (c *Client) WithBaseURL(base string) *Client {
	if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
		c.baseURL = base
	}
	return c
}

// BaseURL returns the configured origin.
func (c *Client) BaseURL() string { return c.baseURL }

// Thumbnail is one preview image size.
type Thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// RawFormat is a stream entry as returned by /player.
type RawFormat struct {
	Itag             int    `json:"itag"`
	URL              string `json:"url"`
	SignatureCipher  string `json:"signatureCipher"`
	Cipher           string `json:"cipher"`
	MimeType         string `json:"mimeType"`
	Bitrate          int    `json:"bitrate"`
	AverageBitrate   int    `json:"averageBitrate"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	ContentLength    string `json:"contentLength"`
	Quality          string `json:"quality"`
	QualityLabel     string `json:"qualityLabel"`
	FPS              int    `json:"fps"`
	AudioQuality     string `json:"audioQuality"`
	AudioSampleRate  string `json:"audioSampleRate"`
	AudioChannels    int    `json:"audioChannels"`
	ApproxDurationMs string `json:"approxDurationMs"`
}

// VideoDetails carries the descriptive metadata of a video.
type VideoDetails struct {
	VideoID          string `json:"videoId"`
	Title            string `json:"title"`
	LengthSeconds    string `json:"lengthSeconds"`
	Author           string `json:"author"`
	ChannelID        string `json:"channelId"`
	ShortDescription string `json:"shortDescription"`
	ViewCount        string `json:"viewCount"`
	IsLiveContent    bool   `json:"isLiveContent"`
	Thumbnail        struct {
		Thumbnails []Thumbnail `json:"thumbnails"`
	} `json:"thumbnail"`
}

// PlayabilityStatus reports whether the video can be played.
type PlayabilityStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// StreamingData lists the muxed and adaptive formats.
type StreamingData struct {
	ExpiresInSeconds string      `json:"expiresInSeconds"`
	Formats          []RawFormat `json:"formats"`
	AdaptiveFormats  []RawFormat `json:"adaptiveFormats"`
}

// PlayerResponse represents a response from the InnerTube /player endpoint.
type PlayerResponse struct {
	StreamingData     StreamingData     `json:"streamingData"`
	VideoDetails      VideoDetails      `json:"videoDetails"`
	PlayabilityStatus PlayabilityStatus `json:"playabilityStatus"`
}

// Playable reports an OK playability status.
func (p *PlayerResponse) Playable() bool {
	return strings.EqualFold(p.PlayabilityStatus.Status, "OK")
}

// AllFormats returns muxed formats followed by adaptive ones.
func (p *PlayerResponse) AllFormats() []RawFormat {
	out := make([]RawFormat, 0, len(p.StreamingData.Formats)+len(p.StreamingData.AdaptiveFormats))
	out = append(out, p.StreamingData.Formats...)
	return append(out, p.StreamingData.AdaptiveFormats...)
}

func log() *logger.ComponentLogger {
	return logger.WithComponent(logger.ComponentResolver)
}

// ensureConfig scrapes the API key, client version and visitor data from the
// watch page. Values are reused until configMaxAge elapses.
func (c *Client) ensureConfig(ctx context.Context, videoID string) {
	c.mu.Lock()
	fresh := c.cfg.version != "" && time.Since(c.cfg.updated) < configMaxAge
	c.mu.Unlock()
	if fresh {
		return
	}

	var apiKey, version, visitor string
	page := c.baseURL + "/watch?v=" + url.QueryEscape(videoID)
	if body, err := c.fetchPage(ctx, page); err != nil {
		log().Debug("Watch page fetch failed", map[string]interface{}{"error": err.Error()})
	} else {
		if m := apiKeyRe.FindSubmatch(body); len(m) == 2 {
			apiKey = string(m[1])
		}
		if m := clientVerRe.FindSubmatch(body); len(m) == 2 {
			version = string(m[1])
		}
		if v, err := parseVisitorData(body); err == nil {
			visitor = v
		}
	}
	if version == "" {
		version = defaultClientVersion
	}

	c.mu.Lock()
	c.cfg.apiKey, c.cfg.version, c.cfg.visitorID = apiKey, version, visitor
	c.cfg.updated = time.Now()
	c.mu.Unlock()
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("watch page status %d", resp.StatusCode)
	}
	return readBody(resp)
}

// parseVisitorData extracts INNERTUBE_CONTEXT.client.visitorData from a ytcfg.set block.
func parseVisitorData(page []byte) (string, error) {
	_, rest, found := strings.Cut(string(page), ytcfgSeparator)
	if !found {
		return "", errors.New("visitor ID not found in YouTube response")
	}
	var value struct {
		InnertubeContext struct {
			Client struct {
				VisitorData string `json:"visitorData"`
			} `json:"client"`
		} `json:"INNERTUBE_CONTEXT"`
	}
	if err := json.NewDecoder(strings.NewReader(rest)).Decode(&value); err != nil {
		return "", err
	}
	v := strings.ReplaceAll(value.InnertubeContext.Client.VisitorData, "%3D", "=")
	if v == "" {
		return "", errors.New("visitor ID empty")
	}
	return v, nil
}

// Player fetches video data for the provided video ID using the
// InnerTube /player endpoint.
func (c *Client) Player(ctx context.Context, videoID string) (*PlayerResponse, error) {
	c.ensureConfig(ctx, videoID)

	c.mu.Lock()
	apiKey, scraped, visitor := c.cfg.apiKey, c.cfg.version, c.cfg.visitorID
	c.mu.Unlock()

	name := c.clientName
	ver := c.clientVer
	if ver == "" {
		ver = scraped
		// A scraped WEB version means nothing to other clients.
		if name != clientNameWEB {
			ver = "2.0"
		}
	}

	clientMap := map[string]any{
		"clientName":    name,
		"clientVersion": ver,
		"hl":            "en",
	}
	reqUserAgent := ""
	if strings.EqualFold(name, "ANDROID") {
		clientMap["androidSdkVersion"] = 30
		clientMap["osName"] = "Android"
		clientMap["osVersion"] = "11"
		reqUserAgent = "com.google.android.youtube/" + ver + " (Linux; U; Android 11) gzip"
		clientMap["userAgent"] = reqUserAgent
	}
	if visitor != "" {
		clientMap["visitorData"] = visitor
	}

	body, err := json.Marshal(map[string]any{
		"context":        map[string]any{"client": clientMap},
		"videoId":        videoID,
		"contentCheckOk": true,
		"racyCheckOk":    true,
	})
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + playerPath + "?prettyPrint=false"
	if apiKey != "" {
		endpoint += "&key=" + url.QueryEscape(apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", headerContentTypeJSON)
	if reqUserAgent != "" {
		req.Header.Set("User-Agent", reqUserAgent)
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("Origin", c.baseURL)
	if code := clientCodeFromName(name); code != "" {
		req.Header.Set("X-YouTube-Client-Name", code)
	}
	req.Header.Set("X-YouTube-Client-Version", ver)
	if visitor != "" {
		req.Header.Set("X-Goog-Visitor-Id", visitor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("innertube: player request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("innertube: read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("innertube: player status %d", resp.StatusCode)
	}

	var pr PlayerResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("innertube: parse response: %w", err)
	}
	log().Debug("Player response", map[string]interface{}{
		"video_id": videoID,
		"status":   pr.PlayabilityStatus.Status,
		"formats":  len(pr.StreamingData.Formats) + len(pr.StreamingData.AdaptiveFormats),
	})
	return &pr, nil
}

// readBody reads resp.Body, undoing any Content-Encoding the server applied.
func readBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "bzip2":
		reader = bzip2.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}
