package cipher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/robertkrimen/otto"

	"github.com/ytget/ytmux/client"
	"github.com/ytget/ytmux/errs"
	"github.com/ytget/ytmux/internal/logger"
)

const (
	decipherFuncName = "decipher"
	ncodeFuncName    = "ncode"
	jsURLGroupIndex  = 1 // capture group index for jsUrl

	// DefaultPlayerTTL bounds how long a downloaded player.js is reused.
	DefaultPlayerTTL = 10 * time.Minute
)

var playerJSURLRegex = regexp.MustCompile(`"jsUrl":"([^"]+)"`)

// player is one cached player.js with its parsed transforms.
type player struct {
	mu    sync.Mutex
	body  string
	expAt time.Time

	parsed  bool
	sigName string
	steps   []step
	static  bool
	ovm     *otto.Otto

	nTried bool
	gvm    *goja.Runtime
	nfn    goja.Callable
}

// Solver deciphers stream URL parameters. It is safe for concurrent use.
type Solver struct {
	http *client.Client
	ttl  time.Duration

	mu      sync.Mutex
	players map[string]*player
}

// New creates a solver downloading player scripts through hc.
func New(hc *client.Client) *Solver {
	if hc == nil {
		hc = client.New()
	}
	return &Solver{http: hc, ttl: DefaultPlayerTTL, players: make(map[string]*player)}
}

// WithTTL sets how long a player script stays cached.
func (s *Solver) WithTTL(ttl time.Duration) *Solver {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func log() *logger.ComponentLogger {
	return logger.WithComponent(logger.ComponentResolver)
}

// PlayerURL finds the player.js URL by requesting the provided video page URL
// and scraping the "jsUrl" field from the response.
func (s *Solver) PlayerURL(ctx context.Context, pageURL string) (string, error) {
	resp, err := s.http.Get(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("%w: fetch watch page: %v", errs.ErrCipherFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("%w: watch page status %d", errs.ErrCipherFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read watch page: %v", errs.ErrCipherFailed, err)
	}

	matches := playerJSURLRegex.FindSubmatch(body)
	if len(matches) <= jsURLGroupIndex || len(matches[jsURLGroupIndex]) == 0 {
		return "", fmt.Errorf("%w: could not find player js url in video page", errs.ErrCipherFailed)
	}
	jsURL := strings.ReplaceAll(string(matches[jsURLGroupIndex]), `\/`, `/`)

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrCipherFailed, err)
	}
	ref, err := url.Parse(jsURL)
	if err != nil {
		return "", fmt.Errorf("%w: bad player url %q", errs.ErrCipherFailed, jsURL)
	}
	return base.ResolveReference(ref).String(), nil
}

// load returns the cached player for playerURL, downloading it when missing
// or expired.
func (s *Solver) load(ctx context.Context, playerURL string) (*player, error) {
	s.mu.Lock()
	p, ok := s.players[playerURL]
	if ok && time.Now().Before(p.expAt) {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	resp, err := s.http.Get(ctx, playerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download player.js: %v", errs.ErrCipherFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: player.js status %d", errs.ErrCipherFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read player.js content: %v", errs.ErrCipherFailed, err)
	}

	p = &player{body: string(body), expAt: time.Now().Add(s.ttl)}
	s.mu.Lock()
	s.players[playerURL] = p
	s.mu.Unlock()
	log().Debug("Loaded player.js", map[string]interface{}{"url": playerURL, "bytes": len(body)})
	return p, nil
}

// Decipher decrypts a signature with the transform found in player.js.
func (s *Solver) Decipher(ctx context.Context, playerURL, signature string) (string, error) {
	p, err := s.load(ctx, playerURL)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.parsed {
		p.parsed = true
		p.sigName, p.steps, p.static = parseSignatureSteps(p.body)
	}
	if p.static {
		return applySteps(signature, p.steps), nil
	}
	return p.decipherJS(signature)
}

// decipherJS runs player.js in otto and calls the transform. Callers hold p.mu.
func (p *player) decipherJS(signature string) (string, error) {
	if p.ovm == nil {
		vm := otto.New()
		if _, err := vm.Run(p.body); err != nil {
			return "", fmt.Errorf("%w: failed to run player.js in otto: %v", errs.ErrCipherFailed, err)
		}
		p.ovm = vm
	}
	name := p.sigName
	if name == "" {
		name = decipherFuncName
	}
	value, err := p.ovm.Call(name, nil, signature)
	if err != nil {
		return "", fmt.Errorf("%w: failed to call %s: %v", errs.ErrCipherFailed, name, err)
	}
	result, err := value.ToString()
	if err != nil {
		return "", fmt.Errorf("%w: %s did not return a string: %v", errs.ErrCipherFailed, name, err)
	}
	return result, nil
}

// DecipherN decodes the n-parameter (throttling). When player.js has no
// recognisable transform the original value is returned.
func (s *Solver) DecipherN(ctx context.Context, playerURL, nval string) (string, error) {
	p, err := s.load(ctx, playerURL)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.nTried {
		p.nTried = true
		vm := goja.New()
		if _, err := vm.RunString(p.body); err != nil {
			return "", fmt.Errorf("%w: failed to run player.js in goja: %v", errs.ErrCipherFailed, err)
		}
		expr := findNFunction(p.body)
		if expr == "" {
			expr = ncodeFuncName
		}
		if v, err := vm.RunString(expr); err == nil {
			if fn, ok := goja.AssertFunction(v); ok {
				p.gvm, p.nfn = vm, fn
			}
		}
	}
	if p.nfn == nil {
		return nval, nil
	}
	res, err := p.nfn(goja.Undefined(), p.gvm.ToValue(nval))
	if err != nil {
		return "", fmt.Errorf("%w: n transform: %v", errs.ErrCipherFailed, err)
	}
	return res.String(), nil
}
