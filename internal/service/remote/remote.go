package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oshokin/sal-scripts-packager/internal/domain/script"
	"github.com/oshokin/sal-scripts-packager/internal/logger"
	"github.com/oshokin/sal-scripts-packager/internal/repository/staging"
)

const (
	// manifestRoute lists the scripts the server requires.
	manifestRoute = "preflight-v2"
	// scriptRoute returns the content of one script below manifestRoute.
	scriptRoute = "get-script"
)

var (
	// errEmptyBody is returned when the manifest response has no content at all.
	errEmptyBody = errors.New("empty response body")
	// errEmptyScriptList is returned when the script response holds no element.
	errEmptyScriptList = errors.New("empty script list")
	// errMissingContent is returned when the first element has no content field.
	errMissingContent = errors.New("content field is missing")
	// errChecksumMismatch is returned when content does not match the advertised hash.
	errChecksumMismatch = errors.New("checksum mismatch")
)

// Getter fetches a resource relative to the server URL.
type Getter interface {
	Get(ctx context.Context, elems ...string) ([]byte, error)
	URL(elems ...string) string
}

// Client talks to the Sal preflight-v2 endpoints.
type Client struct {
	// getter performs the bounded-time requests.
	getter Getter
}

// NewClient wraps a Getter, usually *common.Client.
func NewClient(getter Getter) *Client {
	return &Client{getter: getter}
}

// manifestEntry is one element of the manifest response.
type manifestEntry struct {
	Plugin   string `json:"plugin"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

// scriptEntry is one element of the script response.
type scriptEntry struct {
	Content *string `json:"content"`
}

// FetchManifest requests the list of required scripts.
// Only a JSON null or [] means no external scripts are configured; any failed
// request, including a 404, aborts the run.
func (c *Client) FetchManifest(ctx context.Context) (*script.Manifest, error) {
	body, err := c.getter.Get(ctx, manifestRoute)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	logger.DebugKV(ctx, "Manifest received", "body", string(body))

	manifest, err := DecodeManifest(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.getter.URL(manifestRoute), err)
	}

	if manifest.IsEmpty() {
		logger.InfoKV(ctx, "The server lists no external scripts", "url", c.getter.URL(manifestRoute))
	}

	return manifest, nil
}

// DecodeManifest parses a manifest response body.
// An empty body is malformed.
func DecodeManifest(body []byte) (*script.Manifest, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %w", script.ErrManifestFormat, errEmptyBody)
	}

	var entries []manifestEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", script.ErrManifestFormat, err)
	}

	descriptors := make([]script.Descriptor, 0, len(entries))
	for _, entry := range entries {
		descriptors = append(descriptors, script.Descriptor{
			Plugin:   entry.Plugin,
			Filename: entry.Filename,
			Hash:     entry.Hash,
		})
	}

	manifest, err := script.NewManifest(descriptors)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", script.ErrManifestFormat, err)
	}

	return manifest, nil
}

// FetchScript downloads one script and hands its content to the writer.
func (c *Client) FetchScript(ctx context.Context, descriptor script.Descriptor, writer staging.Writer) error {
	body, err := c.getter.Get(ctx, manifestRoute, scriptRoute, descriptor.Plugin, descriptor.Filename)
	if err != nil {
		return fmt.Errorf("fetch script %s: %w", descriptor, err)
	}

	content, err := DecodeScriptContent(body)
	if err != nil {
		return fmt.Errorf("script %s: %w", descriptor, err)
	}

	if err = verifyChecksum(descriptor, content); err != nil {
		return fmt.Errorf("script %s: %w", descriptor, err)
	}

	if err = writer.WriteScript(descriptor, content); err != nil {
		return fmt.Errorf("stage script: %w", err)
	}

	logger.InfoKV(ctx, "Script staged", "script", descriptor.String(), "bytes", len(content))

	return nil
}

// DecodeScriptContent extracts the content field of the first element of a script response.
func DecodeScriptContent(body []byte) ([]byte, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", script.ErrScriptContent, err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %w", script.ErrScriptContent, errEmptyScriptList)
	}

	var entry scriptEntry
	if err := json.Unmarshal(entries[0], &entry); err != nil {
		return nil, fmt.Errorf("%w: %w", script.ErrScriptContent, err)
	}

	if entry.Content == nil {
		return nil, fmt.Errorf("%w: %w", script.ErrScriptContent, errMissingContent)
	}

	return []byte(*entry.Content), nil
}

func verifyChecksum(descriptor script.Descriptor, content []byte) error {
	expected, err := descriptor.Checksum()
	if err != nil {
		return fmt.Errorf("%w: %w", script.ErrScriptContent, err)
	}

	if expected == nil {
		return nil
	}

	actual := sha256.Sum256(content)
	if !bytes.Equal(expected, actual[:]) {
		return fmt.Errorf("%w: %w: expected %s, got %s",
			script.ErrScriptContent, errChecksumMismatch, descriptor.Hash, hex.EncodeToString(actual[:]))
	}

	return nil
}
