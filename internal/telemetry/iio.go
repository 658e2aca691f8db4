package telemetry

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// IIOSensor reads a Linux Industrial I/O temperature/humidity device,
// such as the dht11 driver, from sysfs. Values are in milli-units.
type IIOSensor struct {
	// Dir is the device directory, e.g. /sys/bus/iio/devices/iio:device0.
	Dir string
}

// ReadTemperature returns degrees Celsius, or NaN.
func (s IIOSensor) ReadTemperature() float64 {
	return s.read("in_temp_input")
}

// ReadHumidity returns percent relative humidity, or NaN.
func (s IIOSensor) ReadHumidity() float64 {
	return s.read("in_humidityrelative_input")
}

func (s IIOSensor) read(name string) float64 {
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return math.NaN()
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return math.NaN()
	}
	return float64(milli) / 1000
}
