package validation

import "strings"

var vehicleTypes = map[string]bool{
	"sedan":   true,
	"suv":     true,
	"hatch":   true,
	"bike":    true,
	"premium": true,
}

// ValidateCoordinates reports whether a lat/lng pair is on the globe.
func ValidateCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// ValidateVehicleType reports whether the vehicle type is one we dispatch.
func ValidateVehicleType(vt string) bool {
	return vehicleTypes[strings.ToLower(strings.TrimSpace(vt))]
}

// ValidateReason bounds free-text cancellation reasons.
func ValidateReason(reason string) bool {
	return len(reason) <= 500
}
