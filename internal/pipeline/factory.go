package pipeline

import (
	"fmt"
	"log"
	"strings"

	"github.com/voxlinehq/voxline/internal/voice"
)

// New selects the turn-processing backend. "auto" uses HTTP when a URL is
// configured and the in-process mock otherwise.
func New(mode, url string) (voice.TurnProcessor, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
		if strings.TrimSpace(url) != "" {
			log.Printf("turn pipeline: http (%s)", url)
			return NewHTTPProcessor(url), nil
		}
		log.Printf("turn pipeline: mock (no TURN_PIPELINE_URL)")
		return voice.NewMockTurnProcessor(), nil
	case "http":
		if strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("turn pipeline url is required for http mode")
		}
		log.Printf("turn pipeline: http (%s)", url)
		return NewHTTPProcessor(url), nil
	case "mock":
		log.Printf("turn pipeline: mock")
		return voice.NewMockTurnProcessor(), nil
	default:
		return nil, fmt.Errorf("unsupported turn pipeline mode %q", mode)
	}
}
