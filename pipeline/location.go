package pipeline

import (
	"context"
	"errors"
	"strings"

	"report-verify-pipeline/geo"
	"report-verify-pipeline/geocoding"
	"report-verify-pipeline/resilience"

	"github.com/apex/log"
)

// LocationKind tags how a submission's coordinates were obtained.
type LocationKind int

const (
	// Unresolved means the strategy produced no coordinates.
	Unresolved LocationKind = iota
	// Resolved means the coordinates come from the primary location source.
	Resolved
	// Fallback means the primary source failed and client coordinates were used.
	Fallback
)

func (k LocationKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Fallback:
		return "fallback"
	}
	return "unresolved"
}

// LocationResult is the tagged outcome of one strategy.
type LocationResult struct {
	Kind   LocationKind
	Lat    float64
	Lng    float64
	Source string
	// Detail explains an Unresolved result.
	Detail string
	// Unavailable is set when a dependency outage caused the miss.
	Unavailable bool
}

// LocationStrategy is one step of the location fallback chain.
type LocationStrategy interface {
	Name() string
	Locate(ctx context.Context, sub *Submission, prior []LocationResult) LocationResult
}

// LocationChain evaluates strategies in order and returns the first result
// that is not Unresolved.
type LocationChain struct {
	strategies []LocationStrategy
}

// NewLocationChain builds a chain from strategies in evaluation order.
func NewLocationChain(strategies ...LocationStrategy) *LocationChain {
	return &LocationChain{strategies: strategies}
}

// DefaultLocationChain is text coordinates, then the geocoder, then client coordinates.
func DefaultLocationChain(geocoder geocoding.Geocoder, guard *resilience.Guard) *LocationChain {
	return NewLocationChain(
		TextCoordinates{},
		&GeocodeText{Geocoder: geocoder, Guard: guard},
		ClientCoordinates{},
	)
}

// Resolve runs the chain. The final Unresolved result carries the most
// relevant failure detail.
func (c *LocationChain) Resolve(ctx context.Context, sub *Submission) LocationResult {
	var tried []LocationResult
	for _, s := range c.strategies {
		res := s.Locate(ctx, sub, tried)
		if res.Kind != Unresolved {
			return res
		}
		tried = append(tried, res)
	}

	final := LocationResult{Kind: Unresolved, Detail: "no location provided"}
	for _, r := range tried {
		if r.Unavailable {
			final.Unavailable = true
			final.Detail = "geocoding unavailable, no fallback coordinates"
			return final
		}
		if r.Detail != "" {
			final.Detail = r.Detail
		}
	}
	return final
}

// TextCoordinates accepts location text that is already a "lat, lng" pair.
type TextCoordinates struct{}

func (TextCoordinates) Name() string { return "text_coordinates" }

func (TextCoordinates) Locate(ctx context.Context, sub *Submission, _ []LocationResult) LocationResult {
	lat, lng, ok, err := geo.ParseCoordinates(sub.LocationText)
	if !ok || err != nil {
		return LocationResult{Kind: Unresolved}
	}
	return LocationResult{Kind: Resolved, Lat: lat, Lng: lng, Source: "text_coordinates"}
}

// GeocodeText resolves free-text locations through the guarded geocoder.
type GeocodeText struct {
	Geocoder geocoding.Geocoder
	Guard    *resilience.Guard
}

func (g *GeocodeText) Name() string { return "geocoder" }

func (g *GeocodeText) Locate(ctx context.Context, sub *Submission, _ []LocationResult) LocationResult {
	text := strings.TrimSpace(sub.LocationText)
	if text == "" || g.Geocoder == nil {
		return LocationResult{Kind: Unresolved}
	}
	if _, _, ok, _ := geo.ParseCoordinates(text); ok {
		// Out-of-range pair; not something to geocode.
		return LocationResult{Kind: Unresolved}
	}

	var lat, lng float64
	err := g.Guard.Call(ctx, func(ctx context.Context) error {
		var err error
		lat, lng, err = g.Geocoder.Resolve(ctx, text)
		return err
	})
	switch {
	case err == nil:
		return LocationResult{Kind: Resolved, Lat: lat, Lng: lng, Source: "geocoder"}
	case resilience.IsUnavailable(err):
		log.WithFields(log.Fields{"location": text}).Warnf("geocoding unavailable: %v", err)
		return LocationResult{Kind: Unresolved, Unavailable: true, Detail: "geocoding unavailable"}
	case errors.Is(err, geocoding.ErrNoResult):
		return LocationResult{Kind: Unresolved, Detail: "location could not be resolved, no fallback coordinates"}
	default:
		log.WithFields(log.Fields{"location": text}).Warnf("geocoding failed: %v", err)
		return LocationResult{Kind: Unresolved, Detail: "location could not be resolved, no fallback coordinates"}
	}
}

// ClientCoordinates uses the coordinates supplied with the submission. They
// count as Fallback when an earlier strategy tried and failed.
type ClientCoordinates struct{}

func (ClientCoordinates) Name() string { return "client_coordinates" }

func (ClientCoordinates) Locate(ctx context.Context, sub *Submission, prior []LocationResult) LocationResult {
	if sub.Latitude == nil || sub.Longitude == nil {
		return LocationResult{Kind: Unresolved}
	}
	kind := Resolved
	if strings.TrimSpace(sub.LocationText) != "" {
		kind = Fallback
	}
	return LocationResult{
		Kind:   kind,
		Lat:    geo.Round(*sub.Latitude),
		Lng:    geo.Round(*sub.Longitude),
		Source: "client_coordinates",
	}
}
