package catalog

import "fmt"

// PictureBookAction maps a page count to its priced action.
func PictureBookAction(pages int) (Action, error) {
	switch pages {
	case 4:
		return PictureBook4, nil
	case 8:
		return PictureBook8, nil
	case 12:
		return PictureBook12, nil
	}
	return "", fmt.Errorf("%w: picture book with %d pages", ErrInvalidAction, pages)
}

// GraphicNovelAction maps a page count to its priced action.
func GraphicNovelAction(pages int) (Action, error) {
	switch pages {
	case 4:
		return GraphicNovel4, nil
	case 8:
		return GraphicNovel8, nil
	case 12:
		return GraphicNovel12, nil
	}
	return "", fmt.Errorf("%w: graphic novel with %d pages", ErrInvalidAction, pages)
}

// PortfolioScanCost is the tiered override for PortfolioScanner by image count.
func PortfolioScanCost(imageCount int) int64 {
	switch {
	case imageCount <= 5:
		return 0
	case imageCount <= 20:
		return 60
	default:
		return 120
	}
}

// ─────────────────────────────────────────────
// Quotes
// ─────────────────────────────────────────────

// Usage carries the request facts that pick the price tier of sized actions.
// Zero values mean "not given".
type Usage struct {
	Pages      int
	ImageCount int
}

// Quote turns a user request into the action actually charged and, for
// tiered actions, a server computed override. Prices never come from the
// caller; CustomDeduction is reserved for internal use.
func Quote(a Action, u Usage) (Action, *int64, error) {
	if u.Pages < 0 || u.ImageCount < 0 {
		return "", nil, fmt.Errorf("%w: negative usage", ErrInvalidCost)
	}

	switch a {
	case CustomDeduction:
		return "", nil, fmt.Errorf("%w: %q is not user priced", ErrInvalidAction, a)
	case PictureBook4, PictureBook8, PictureBook12:
		if u.Pages > 0 {
			tier, err := PictureBookAction(u.Pages)
			return tier, nil, err
		}
	case GraphicNovel4, GraphicNovel8, GraphicNovel12:
		if u.Pages > 0 {
			tier, err := GraphicNovelAction(u.Pages)
			return tier, nil, err
		}
	case PortfolioScanner:
		if u.ImageCount > 0 {
			cost := PortfolioScanCost(u.ImageCount)
			return a, &cost, nil
		}
	}

	if !a.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidAction, a)
	}
	return a, nil, nil
}
