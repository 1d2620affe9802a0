package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultGTTSBase = "https://translate.google.com"
	gttsMaxChars    = 100
	gttsUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// GTTS uses the Google Translate speech endpoint. Requests are limited to
// 100 characters, so text is split into chunks whose MP3 frames are
// concatenated.
type GTTS struct {
	baseURL string
	lang    string
	client  *http.Client
}

func NewGTTS(baseURL, lang string) *GTTS {
	if baseURL == "" {
		baseURL = defaultGTTSBase
	}
	if lang == "" {
		lang = "en"
	}
	return &GTTS{
		baseURL: strings.TrimRight(baseURL, "/"),
		lang:    lang,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *GTTS) Synthesize(ctx context.Context, text string) (*Result, error) {
	chunks := splitText(text, gttsMaxChars)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("no speakable text")
	}
	slog.Debug("gtts synthesize", "chunks", len(chunks), "lang", g.lang)

	var audio []byte
	for i, chunk := range chunks {
		part, err := g.fetch(ctx, chunk, i, len(chunks))
		if err != nil {
			return nil, err
		}
		audio = append(audio, part...)
	}
	return &Result{Audio: audio, ContentType: "audio/mpeg", Ext: ".mp3"}, nil
}

func (g *GTTS) fetch(ctx context.Context, chunk string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("q", chunk)
	q.Set("tl", g.lang)
	q.Set("client", "tw-ob")
	q.Set("total", strconv.Itoa(total))
	q.Set("idx", strconv.Itoa(idx))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/translate_tts?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build gtts request: %w", err)
	}
	req.Header.Set("User-Agent", gttsUserAgent)
	req.Header.Set("Referer", g.baseURL+"/")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gtts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gtts status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gtts audio: %w", err)
	}
	return data, nil
}

// splitText breaks text into pieces of at most max runes, preferring
// sentence punctuation, then spaces, as cut points.
func splitText(text string, max int) []string {
	text = strings.Join(strings.Fields(text), " ")
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= max {
			out = append(out, text)
			break
		}
		cut := cutPoint(text, max)
		piece := strings.TrimSpace(text[:cut])
		if piece != "" {
			out = append(out, piece)
		}
		text = strings.TrimSpace(text[cut:])
	}
	return out
}

// cutPoint returns a byte offset no further than max runes into s.
func cutPoint(s string, max int) int {
	limit := 0
	for i := 0; i < max && limit < len(s); i++ {
		_, size := utf8.DecodeRuneInString(s[limit:])
		limit += size
	}
	window := s[:limit]
	if i := strings.LastIndexAny(window, ".!?;:,"); i > 0 {
		return i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return i
	}
	return limit
}
