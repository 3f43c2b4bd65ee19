// Package hdhr emulates enough of the HDHomeRun HTTP surface for DVR
// software (Plex, Emby, Channels) to discover the server and pull its
// channel lineup.
package hdhr

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"stream-manager/work/catalog"
	"stream-manager/work/logger"
)

const (
	friendlyName    = "IPTV Stream Manager"
	modelNumber     = "HDTC-2US"
	firmwareName    = "hdhomerun3_atsc"
	firmwareVersion = "20190621"
)

// Emulator serves the discovery and lineup endpoints.
type Emulator struct {
	store      catalog.Store
	baseURL    string
	deviceID   string
	tunerCount int
}

func New(store catalog.Store, baseURL, deviceID string, tunerCount int) *Emulator {
	if tunerCount <= 0 {
		tunerCount = 4
	}
	return &Emulator{
		store:      store,
		baseURL:    strings.TrimRight(baseURL, "/"),
		deviceID:   deviceID,
		tunerCount: tunerCount,
	}
}

type discoverResponse struct {
	FriendlyName    string `json:"FriendlyName"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	TunerCount      int    `json:"TunerCount"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

// Discover handles GET /discover.json.
func (e *Emulator) Discover(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, discoverResponse{
		FriendlyName:    friendlyName,
		ModelNumber:     modelNumber,
		FirmwareName:    firmwareName,
		FirmwareVersion: firmwareVersion,
		DeviceID:        e.deviceID,
		DeviceAuth:      "none",
		TunerCount:      e.tunerCount,
		BaseURL:         e.baseURL,
		LineupURL:       e.baseURL + "/lineup.json",
	})
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// LineupStatus handles GET /lineup_status.json. The scan is always
// reported idle; ingestion keeps the lineup current.
func (e *Emulator) LineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, lineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	})
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// Lineup handles GET /lineup.json, listing every enabled channel that
// has at least one stream.
func (e *Emulator) Lineup(w http.ResponseWriter, r *http.Request) {
	channels := e.store.Channels()
	entries := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		if !ch.Enabled || ch.StreamCount == 0 {
			continue
		}
		entries = append(entries, lineupEntry{
			GuideNumber: fmt.Sprintf("%d", ch.ID),
			GuideName:   ch.Name,
			URL:         fmt.Sprintf("%s/auto/v%d", e.baseURL, ch.ID),
		})
	}
	writeJSON(w, entries)
}

type deviceDescription struct {
	XMLName     xml.Name    `xml:"root"`
	Xmlns       string      `xml:"xmlns,attr"`
	SpecVersion specVersion `xml:"specVersion"`
	URLBase     string      `xml:"URLBase"`
	Device      deviceInfo  `xml:"device"`
}

type specVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

type deviceInfo struct {
	DeviceType   string `xml:"deviceType"`
	FriendlyName string `xml:"friendlyName"`
	Manufacturer string `xml:"manufacturer"`
	ModelName    string `xml:"modelName"`
	ModelNumber  string `xml:"modelNumber"`
	SerialNumber string `xml:"serialNumber"`
	UDN          string `xml:"UDN"`
}

// DeviceXML handles GET /device.xml with the UPnP device description.
func (e *Emulator) DeviceXML(w http.ResponseWriter, r *http.Request) {
	desc := deviceDescription{
		Xmlns:       "urn:schemas-upnp-org:device-1-0",
		SpecVersion: specVersion{Major: 1},
		URLBase:     e.baseURL,
		Device: deviceInfo{
			DeviceType:   "urn:schemas-upnp-org:device:MediaServer:1",
			FriendlyName: friendlyName,
			Manufacturer: "Silicondust",
			ModelName:    modelNumber,
			ModelNumber:  modelNumber,
			SerialNumber: e.deviceID,
			UDN:          "uuid:" + e.deviceID,
		},
	}

	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		logger.Error("hdhr: failed to write device description: %v", err)
		return
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(desc); err != nil {
		logger.Error("hdhr: failed to encode device description: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("hdhr: failed to encode response: %v", err)
	}
}
