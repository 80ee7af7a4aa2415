package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ─────────────────────────────────────────────
// Actions
//
// Every priced operation a user can perform. The set is closed: a string
// that does not parse into one of these is rejected before any ledger work.
// ─────────────────────────────────────────────

// Action identifies a priced operation.
type Action string

const (
	AnalyzeImage              Action = "analyze_image"
	GenerateStory             Action = "generate_story"
	GenerateSpeech            Action = "generate_speech"
	GenerateImage             Action = "generate_image"
	GenerateComic             Action = "generate_comic"
	GenerateComicBook         Action = "generate_comic_book"
	GenerateVideo             Action = "generate_video"
	GenerateAudioStory        Action = "generate_audio_story"
	GenerateAudioStoryPremium Action = "generate_audio_story_premium"
	PremiumVoiceExtra         Action = "premium_voice_extra"
	PictureBook4              Action = "picture_book_4"
	PictureBook8              Action = "picture_book_8"
	PictureBook12             Action = "picture_book_12"
	GraphicNovel4             Action = "graphic_novel_4"
	GraphicNovel8             Action = "graphic_novel_8"
	GraphicNovel12            Action = "graphic_novel_12"
	AIAssetCoaching           Action = "ai_asset_coaching"
	MagicMentorVideo          Action = "magic_mentor_video"
	PortfolioScanner          Action = "portfolio_scanner"
	MasterpieceMatch          Action = "masterpiece_match"
	ColorizeSketch            Action = "colorize_sketch"
	VoiceClone                Action = "voice_clone"
	CustomDeduction           Action = "custom_deduction" // priced by override, never by users
)

// defaultCosts is the built-in price list.
var defaultCosts = map[Action]int64{
	AnalyzeImage:              0,
	GenerateStory:             0,
	GenerateSpeech:            0,
	GenerateImage:             40,
	GenerateComic:             150,
	GenerateComicBook:         30,
	GenerateVideo:             80,
	GenerateAudioStory:        25,
	GenerateAudioStoryPremium: 75,
	PremiumVoiceExtra:         50,
	PictureBook4:              30,
	PictureBook8:              50,
	PictureBook12:             70,
	GraphicNovel4:             100,
	GraphicNovel8:             180,
	GraphicNovel12:            250,
	AIAssetCoaching:           5,
	MagicMentorVideo:          20,
	PortfolioScanner:          60,
	MasterpieceMatch:          5,
	ColorizeSketch:            50,
	VoiceClone:                100,
	CustomDeduction:           0,
}

// ErrInvalidAction is returned for action keys outside the closed set.
var ErrInvalidAction = errors.New("invalid action")

// ErrInvalidCost is returned for negative costs or overrides.
var ErrInvalidCost = errors.New("invalid cost")

// ParseAction validates a raw action key coming from a request.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := defaultCosts[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
	return a, nil
}

// Valid reports whether a belongs to the closed action set.
func (a Action) Valid() bool {
	_, ok := defaultCosts[a]
	return ok
}

func (a Action) String() string { return string(a) }

// ─────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────

// Catalog maps actions to point costs. It is immutable after construction
// and safe for concurrent use.
type Catalog struct {
	costs map[Action]int64
}

// Default returns the built-in price list.
func Default() *Catalog {
	costs := make(map[Action]int64, len(defaultCosts))
	for a, c := range defaultCosts {
		costs[a] = c
	}
	return &Catalog{costs: costs}
}

// New builds a catalog from defaults overlaid with the given costs.
func New(overrides map[Action]int64) (*Catalog, error) {
	c := Default()
	for a, cost := range overrides {
		if !a.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAction, a)
		}
		if cost < 0 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidCost, a, cost)
		}
		c.costs[a] = cost
	}
	return c, nil
}

// LoadFile overlays the YAML price list at path onto the defaults.
// The file is a flat mapping, e.g. "generate_image: 40".
// An empty path yields the defaults.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cost catalog: %w", err)
	}

	var raw map[string]int64
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cost catalog: %w", err)
	}

	overrides := make(map[Action]int64, len(raw))
	for key, cost := range raw {
		a, err := ParseAction(key)
		if err != nil {
			return nil, err
		}
		overrides[a] = cost
	}
	return New(overrides)
}

// Lookup returns the catalog cost of an action.
func (c *Catalog) Lookup(a Action) (int64, error) {
	cost, ok := c.costs[a]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, a)
	}
	return cost, nil
}

// Resolve returns override when present, otherwise the catalog cost.
// The action must still be part of the closed set.
func (c *Catalog) Resolve(a Action, override *int64) (int64, error) {
	if !a.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAction, a)
	}
	if override != nil {
		if *override < 0 {
			return 0, fmt.Errorf("%w: override %d", ErrInvalidCost, *override)
		}
		return *override, nil
	}
	return c.Lookup(a)
}

// All returns a copy of the price list keyed by action string.
func (c *Catalog) All() map[string]int64 {
	out := make(map[string]int64, len(c.costs))
	for a, cost := range c.costs {
		out[string(a)] = cost
	}
	return out
}
