package helpers

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
)

// ChargingStationID builds the charging station identifier for a template
// instance. A fixed name short-circuits to the base name; otherwise the id is
// baseName + "-" + CF_INSTANCE_INDEX + zero-padded index + optional suffix.
func ChargingStationID(baseName string, fixedName bool, nameSuffix string, index int) string {
	if fixedName {
		return baseName
	}
	instanceIndex := os.Getenv("CF_INSTANCE_INDEX")
	return fmt.Sprintf("%s-%s%04d%s", baseName, instanceIndex, index, nameSuffix)
}

// RandomInt returns a non-negative pseudo-random integer in [0, max].
// A max <= 0 yields 0.
func RandomInt(max int) int {
	if max <= 0 {
		return 0
	}
	return rand.Intn(max + 1)
}

// RandomFloat returns a pseudo-random float in [0, max).
func RandomFloat(max float64) float64 {
	if max <= 0 {
		return 0
	}
	return rand.Float64() * max
}

// RandomFloatBetween returns a pseudo-random float in [min, max).
func RandomFloatBetween(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + rand.Float64()*(max-min)
}

// RoundTo rounds value to the given number of decimal places.
func RoundTo(value float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(value*shift) / shift
}

// SendJSONResponse sends a JSON response with the given status code
func SendJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
