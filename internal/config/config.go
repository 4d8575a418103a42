// Package config loads the optimizer defaults from a YAML file plus
// environment overrides. The file is optional; everything has a usable
// default.
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v3"

	"depotplan/internal/model"
)

// Config is the file-level shape of OPTIMIZER_CONFIG.
type Config struct {
	Weights model.Weights `yaml:"weights"`
	Scoring struct {
		MinBatteryPct   float64 `yaml:"minBatteryPct"`
		MaxMileageDevKM float64 `yaml:"maxMileageDevKm"`
	} `yaml:"scoring"`
	Induction struct {
		StartHour       int      `yaml:"startHour"`
		EndHour         int      `yaml:"endHour"`
		TickMinutes     int      `yaml:"tickMinutes"`
		SlotMinutes     int      `yaml:"slotMinutes"`
		Platforms       []string `yaml:"platforms"`
		CrewPerSlot     int      `yaml:"crewPerSlot"`
		BufferMinutes   int      `yaml:"bufferMinutes"`
		HeadwaySec      int      `yaml:"headwaySec"`
		CrewRestHours   int      `yaml:"crewRestHours"`
		SafetyMinutes   int      `yaml:"safetyMinutes"`
		PowerStartClock string   `yaml:"powerStart"` // "05:30"
		PowerEndClock   string   `yaml:"powerEnd"`   // "23:30"
	} `yaml:"induction"`
	Departure struct {
		RegularSlots    int    `yaml:"regularSlots"`
		HolidaySlots    int    `yaml:"holidaySlots"`
		FirstDeparture  string `yaml:"firstDeparture"` // "06:00"
		IntervalMinutes int    `yaml:"intervalMinutes"`
	} `yaml:"departure"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Weights = model.Weights{Fitness: 25, Maintenance: 20, Branding: 10, Mileage: 15, Staff: 15, Stabling: 15}
	c.Scoring.MinBatteryPct = 20
	c.Scoring.MaxMileageDevKM = 5000
	c.Induction.StartHour = 21
	c.Induction.EndHour = 23
	c.Induction.TickMinutes = 15
	c.Induction.SlotMinutes = 20
	c.Induction.Platforms = []string{"P1", "P2"}
	c.Induction.CrewPerSlot = 2
	c.Induction.BufferMinutes = 5
	c.Induction.HeadwaySec = 180
	c.Induction.CrewRestHours = 8
	c.Induction.SafetyMinutes = 10
	c.Induction.PowerStartClock = "05:30"
	c.Induction.PowerEndClock = "23:30"
	c.Departure.RegularSlots = 10
	c.Departure.HolidaySlots = 15
	c.Departure.FirstDeparture = "06:00"
	c.Departure.IntervalMinutes = 10
	return c
}

// Load reads the YAML file named by OPTIMIZER_CONFIG (if set) over the
// defaults, then applies environment overrides.
func Load() (Config, error) {
	c := Default()
	if path := os.Getenv("OPTIMIZER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if v := os.Getenv("MIN_BATTERY_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scoring.MinBatteryPct = f
		}
	}
	if v := os.Getenv("MAX_MILEAGE_DEV_KM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Scoring.MaxMileageDevKM = f
		}
	}
	if v := os.Getenv("DEPARTURE_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Departure.RegularSlots = n
		}
	}
	if v := os.Getenv("HOLIDAY_DEPARTURE_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Departure.HolidaySlots = n
		}
	}
	return c, nil
}

// ClockMinutes parses "HH:MM" into minutes after midnight.
func ClockMinutes(clock string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("bad clock %q: %w", clock, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", clock)
	}
	return h*60 + m, nil
}
