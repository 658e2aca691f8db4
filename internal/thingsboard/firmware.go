package thingsboard

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Shared attribute keys describing the firmware assigned to the device.
const (
	KeyFirmwareTitle             = "fw_title"
	KeyFirmwareVersion           = "fw_version"
	KeyFirmwareSize              = "fw_size"
	KeyFirmwareChecksum          = "fw_checksum"
	KeyFirmwareChecksumAlgorithm = "fw_checksum_algorithm"
)

// Telemetry keys the device reports about its firmware.
const (
	keyCurrentTitle   = "current_fw_title"
	keyCurrentVersion = "current_fw_version"
	keyState          = "fw_state"
	keyError          = "fw_error"
)

// Firmware states reported through fw_state.
const (
	StateDownloading = "DOWNLOADING"
	StateDownloaded  = "DOWNLOADED"
	StateVerified    = "VERIFIED"
	StateUpdating    = "UPDATING"
	StateUpdated     = "UPDATED"
	StateFailed      = "FAILED"
)

var firmwareKeys = AttributeSet{names: []string{
	KeyFirmwareTitle,
	KeyFirmwareVersion,
	KeyFirmwareSize,
	KeyFirmwareChecksum,
	KeyFirmwareChecksumAlgorithm,
}}

// FirmwareInfo is the firmware the server has assigned to the device.
type FirmwareInfo struct {
	Title             string `json:"title"`
	Version           string `json:"version"`
	Size              int64  `json:"size"`
	Checksum          string `json:"checksum"`
	ChecksumAlgorithm string `json:"checksum_algorithm"`
}

// ParseFirmwareInfo extracts firmware info from shared attributes.
// It reports false when title or version is missing.
func ParseFirmwareInfo(attrs map[string]any) (FirmwareInfo, bool) {
	info := FirmwareInfo{
		Title:             stringValue(attrs[KeyFirmwareTitle]),
		Version:           stringValue(attrs[KeyFirmwareVersion]),
		Size:              int64Value(attrs[KeyFirmwareSize]),
		Checksum:          stringValue(attrs[KeyFirmwareChecksum]),
		ChecksumAlgorithm: stringValue(attrs[KeyFirmwareChecksumAlgorithm]),
	}
	if info.Title == "" || info.Version == "" {
		return FirmwareInfo{}, false
	}
	return info, true
}

func stringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return strings.Trim(string(b), `"`)
	}
}

func int64Value(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int:
		return int64(x)
	case int64:
		return x
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n
	default:
		return 0
	}
}
