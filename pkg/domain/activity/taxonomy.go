// Package activity translates provider activity-type vocabulary into the
// internal sport taxonomy.
package activity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Sport is an internal sport-taxonomy value. Stored in session records as
// sport_type, so values are stable lowercase identifiers.
type Sport string

const (
	SportRun        Sport = "run"
	SportTrailRun   Sport = "trail_run"
	SportRide       Sport = "ride"
	SportGravelRide Sport = "gravel_ride"
	SportMTBRide    Sport = "mountain_bike_ride"
	SportSwim       Sport = "swim"
	SportWalk       Sport = "walk"
	SportHike       Sport = "hike"
	SportStrength   Sport = "strength"
	SportYoga       Sport = "yoga"
	SportPilates    Sport = "pilates"
	SportHIIT       Sport = "hiit"
	SportCrossfit   Sport = "crossfit"
	SportElliptical Sport = "elliptical"
	SportRowing     Sport = "rowing"
	SportSkiing     Sport = "skiing"
	SportSkating    Sport = "skating"
	SportClimbing   Sport = "climbing"
	SportTennis     Sport = "tennis"
	SportSoccer     Sport = "soccer"
	SportGolf       Sport = "golf"
	SportOther      Sport = "other"
)

// providerTypes maps the provider's sport_type strings (lowercased) to the
// internal taxonomy. Virtual variants collapse onto their outdoor equivalent;
// anything not listed resolves to SportOther.
var providerTypes = map[string]Sport{
	"run":                    SportRun,
	"virtualrun":             SportRun,
	"trailrun":               SportTrailRun,
	"ride":                   SportRide,
	"virtualride":            SportRide,
	"ebikeride":              SportRide,
	"gravelride":             SportGravelRide,
	"mountainbikeride":       SportMTBRide,
	"emountainbikeride":      SportMTBRide,
	"swim":                   SportSwim,
	"walk":                   SportWalk,
	"hike":                   SportHike,
	"weighttraining":         SportStrength,
	"workout":                SportStrength,
	"yoga":                   SportYoga,
	"pilates":                SportPilates,
	"highintensityintervaltraining": SportHIIT,
	"crossfit":               SportCrossfit,
	"elliptical":             SportElliptical,
	"stairstepper":           SportElliptical,
	"rowing":                 SportRowing,
	"virtualrow":             SportRowing,
	"canoeing":               SportRowing,
	"kayaking":               SportRowing,
	"alpineski":              SportSkiing,
	"backcountryski":         SportSkiing,
	"nordicski":              SportSkiing,
	"rollerski":              SportSkiing,
	"snowboard":              SportSkiing,
	"iceskate":               SportSkating,
	"inlineskate":            SportSkating,
	"rockclimbing":           SportClimbing,
	"tennis":                 SportTennis,
	"soccer":                 SportSoccer,
	"golf":                   SportGolf,
}

// FromProvider resolves a provider activity-type string into the internal
// taxonomy. Unrecognized or empty input resolves to SportOther, never an
// error: an unknown remote vocabulary entry must not abort an import.
func FromProvider(providerType string) Sport {
	key := strings.ToLower(strings.TrimSpace(providerType))
	if key == "" {
		return SportOther
	}
	if sport, ok := providerTypes[key]; ok {
		return sport
	}
	return SportOther
}

var titleCaser = cases.Title(language.English)

// DisplayName returns a human-readable name for a sport, e.g.
// "mountain_bike_ride" -> "Mountain Bike Ride".
func DisplayName(s Sport) string {
	if s == SportHIIT {
		return "HIIT"
	}
	return titleCaser.String(strings.ReplaceAll(string(s), "_", " "))
}
