package starlink

import "time"

// StatusResponse is the subset of get_status used for positioning health
type StatusResponse struct {
	DishGetStatus struct {
		DeviceInfo struct {
			ID              string `json:"id"`
			HardwareVersion string `json:"hardwareVersion"`
			SoftwareVersion string `json:"softwareVersion"`
			CountryCode     string `json:"countryCode"`
		} `json:"deviceInfo"`

		GPSStats struct {
			GPSValid        bool `json:"gpsValid"`
			GPSSats         int  `json:"gpsSats"`
			NoSatsAfterTtff bool `json:"noSatsAfterTtff"`
			InhibitGPS      bool `json:"inhibitGps"`
		} `json:"gpsStats"`

		MobilityClass string `json:"mobilityClass"`
	} `json:"dishGetStatus"`
}

// GPSUsable reports whether the dish has a valid GNSS solution
func (s *StatusResponse) GPSUsable() bool {
	g := s.DishGetStatus.GPSStats
	return g.GPSValid && !g.InhibitGPS
}

// LocationResponse represents the response from get_location method
type LocationResponse struct {
	GetLocation struct {
		LLA struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
			Alt float64 `json:"alt"`
		} `json:"lla"`
		SigmaM             float64 `json:"sigmaM"` // Accuracy in meters
		HorizontalSpeedMps float64 `json:"horizontalSpeedMps"`
		Source             string  `json:"source"` // e.g. "GNC_FUSED"
	} `json:"getLocation"`
}

// Location is a decoded dish position
type Location struct {
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Altitude           float64   `json:"altitude"`
	SigmaM             float64   `json:"sigma_m"`
	HorizontalSpeedMps float64   `json:"horizontal_speed_mps"`
	Source             string    `json:"source"`
	Valid              bool      `json:"valid"`
	Timestamp          time.Time `json:"timestamp"`
}
