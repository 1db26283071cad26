package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ErrChannelFiltered signals that the newest upstream release exists but is
// not on the configured channel. Callers treat it as a clean no-op.
var ErrChannelFiltered = errors.New("latest release is not on the configured channel")

// Candidate is the newest upstream release, one per invocation.
type Candidate struct {
	Tag         string
	PublishedAt time.Time
}

// Source queries the upstream release index. It never mutates persisted
// state.
type Source struct {
	IndexURL  string
	TagPrefix string         // stripped before channel matching, e.g. "polkadot-"
	Channel   *regexp.Regexp // short tag must match, e.g. ^stable
	Client    *http.Client
	Logger    *slog.Logger
}

func NewSource(indexURL, tagPrefix string, channel *regexp.Regexp, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		IndexURL:  indexURL,
		TagPrefix: tagPrefix,
		Channel:   channel,
		Client:    &http.Client{Timeout: 30 * time.Second},
		Logger:    logger,
	}
}

type indexResponse struct {
	TagName     string    `json:"tag_name"`
	PublishedAt time.Time `json:"published_at"`
}

// Latest fetches the newest release and applies the channel filter. A
// candidate off the channel returns ErrChannelFiltered (wrapped with the
// offending tag); network and decode problems are real errors.
func (s *Source) Latest(ctx context.Context) (Candidate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.IndexURL, nil)
	if err != nil {
		return Candidate{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return Candidate{}, fmt.Errorf("query release index: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Candidate{}, fmt.Errorf("release index returned %s", resp.Status)
	}
	var idx indexResponse
	if err := json.NewDecoder(resp.Body).Decode(&idx); err != nil {
		return Candidate{}, fmt.Errorf("decode release index: %w", err)
	}
	if idx.TagName == "" {
		return Candidate{}, errors.New("release index response has no tag_name")
	}
	c := Candidate{Tag: idx.TagName, PublishedAt: idx.PublishedAt}
	short := s.Short(c.Tag)
	if s.Channel != nil && !s.Channel.MatchString(short) {
		s.Logger.Info("latest release filtered by channel", "tag", c.Tag, "channel", s.Channel.String())
		return Candidate{}, fmt.Errorf("%w: %s", ErrChannelFiltered, c.Tag)
	}
	return c, nil
}

// Short strips the fixed tag prefix, mapping e.g. "polkadot-stable2506" to
// "stable2506". The short form is what the tracking record stores.
func (s *Source) Short(tag string) string {
	return strings.TrimPrefix(tag, s.TagPrefix)
}
