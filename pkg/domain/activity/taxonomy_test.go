package activity

import "testing"

func TestFromProvider(t *testing.T) {
	tests := []struct {
		input string
		want  Sport
	}{
		{"Run", SportRun},
		{"VirtualRun", SportRun},
		{"TrailRun", SportTrailRun},
		{"Ride", SportRide},
		{"VirtualRide", SportRide},
		{"MountainBikeRide", SportMTBRide},
		{"WeightTraining", SportStrength},
		{"HighIntensityIntervalTraining", SportHIIT},
		{"  Walk  ", SportWalk},
		{"ride", SportRide},
		{"RIDE", SportRide},
		{"Badminton", SportOther},
		{"", SportOther},
	}

	for _, tt := range tests {
		if got := FromProvider(tt.input); got != tt.want {
			t.Errorf("FromProvider(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName(SportMTBRide); got != "Mountain Bike Ride" {
		t.Errorf("DisplayName(mountain_bike_ride) = %q", got)
	}
	if got := DisplayName(SportHIIT); got != "HIIT" {
		t.Errorf("DisplayName(hiit) = %q", got)
	}
	if got := DisplayName(SportRun); got != "Run" {
		t.Errorf("DisplayName(run) = %q", got)
	}
}
