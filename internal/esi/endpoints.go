package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawStructure is a corporation structure as the upstream reports it.
type RawStructure struct {
	StructureID     int64        `json:"structure_id"`
	CorporationID   int64        `json:"corporation_id"`
	SystemID        int64        `json:"system_id"`
	TypeID          int64        `json:"type_id"`
	Name            string       `json:"name"`
	State           string       `json:"state"`
	StateTimerStart *time.Time   `json:"state_timer_start"`
	StateTimerEnd   *time.Time   `json:"state_timer_end"`
	FuelExpires     *time.Time   `json:"fuel_expires"`
	UnanchorsAt     *time.Time   `json:"unanchors_at"`
	Services        []RawService `json:"services"`
}

// RawService is one fitted service module on a structure.
type RawService struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// HasMoonDrill reports whether the structure runs a moon drilling
// service. The upstream localises the service name, so matching is
// case-insensitive on the stable substring.
func (s RawStructure) HasMoonDrill() bool {
	for _, svc := range s.Services {
		if strings.Contains(strings.ToLower(svc.Name), "moon drilling") {
			return true
		}
	}
	return false
}

// RawExtraction is a scheduled or delivered moon extraction.
type RawExtraction struct {
	StructureID         int64     `json:"structure_id"`
	MoonID              int64     `json:"moon_id"`
	ExtractionStartTime time.Time `json:"extraction_start_time"`
	ChunkArrivalTime    time.Time `json:"chunk_arrival_time"`
	NaturalDecayTime    time.Time `json:"natural_decay_time"`
}

// RawCorporation is the public corporation sheet.
type RawCorporation struct {
	Name       string `json:"name"`
	Ticker     string `json:"ticker"`
	AllianceID int64  `json:"alliance_id"`
}

// RawAlliance is the public alliance sheet.
type RawAlliance struct {
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// RawSystem is a solar system record.
type RawSystem struct {
	SystemID        int64  `json:"system_id"`
	ConstellationID int64  `json:"constellation_id"`
	Name            string `json:"name"`
}

// RawMoon is a moon record.
type RawMoon struct {
	MoonID   int64  `json:"moon_id"`
	SystemID int64  `json:"system_id"`
	Name     string `json:"name"`
}

type rawStatus struct {
	Players int  `json:"players"`
	VIP     bool `json:"vip"`
}

// minHealthyPlayers is the population floor below which the upstream is
// treated as starting up and sync cycles are skipped.
const minHealthyPlayers = 128

// Healthy reports whether the upstream is accepting normal traffic.
// During VIP-only windows or the post-downtime ramp the answer is false
// and callers should skip the cycle rather than burn error budget.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	var st rawStatus
	if err := c.getJSON(ctx, "/status/", "", nil, &st); err != nil {
		return false, err
	}
	return st.Players > minHealthyPlayers && !st.VIP, nil
}

// CorporationStructures lists every structure owned by the corporation.
// Requires a token with the structure-reading role.
func (c *Client) CorporationStructures(ctx context.Context, token string, corporationID int64) ([]RawStructure, error) {
	var out []RawStructure
	path := fmt.Sprintf("/corporations/%d/structures/", corporationID)
	err := c.getPages(ctx, path, token, nil, func(body []byte) error {
		var page []RawStructure
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("esi: decode %s: %w", path, err)
		}
		out = append(out, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CorporationExtractions lists the corporation's moon extraction
// timers, scheduled and delivered alike.
func (c *Client) CorporationExtractions(ctx context.Context, token string, corporationID int64) ([]RawExtraction, error) {
	var out []RawExtraction
	path := fmt.Sprintf("/corporation/%d/mining/extractions/", corporationID)
	err := c.getPages(ctx, path, token, nil, func(body []byte) error {
		var page []RawExtraction
		if err := json.Unmarshal(body, &page); err != nil {
			return fmt.Errorf("esi: decode %s: %w", path, err)
		}
		out = append(out, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Corporation fetches the public corporation sheet.
func (c *Client) Corporation(ctx context.Context, id int64) (RawCorporation, error) {
	var out RawCorporation
	err := c.getJSON(ctx, fmt.Sprintf("/corporations/%d/", id), "", nil, &out)
	return out, err
}

// Alliance fetches the public alliance sheet.
func (c *Client) Alliance(ctx context.Context, id int64) (RawAlliance, error) {
	var out RawAlliance
	err := c.getJSON(ctx, fmt.Sprintf("/alliances/%d/", id), "", nil, &out)
	return out, err
}

// System fetches one solar system.
func (c *Client) System(ctx context.Context, id int64) (RawSystem, error) {
	var out RawSystem
	err := c.getJSON(ctx, fmt.Sprintf("/universe/systems/%d/", id), "", nil, &out)
	return out, err
}

// SystemIDs lists every solar system id.
func (c *Client) SystemIDs(ctx context.Context) ([]int64, error) {
	var out []int64
	err := c.getJSON(ctx, "/universe/systems/", "", nil, &out)
	return out, err
}

// Moon fetches one moon.
func (c *Client) Moon(ctx context.Context, id int64) (RawMoon, error) {
	var out RawMoon
	err := c.getJSON(ctx, fmt.Sprintf("/universe/moons/%d/", id), "", nil, &out)
	return out, err
}

// CharacterRoles returns the corporation roles of a character. Used to
// verify a credential still carries the structure-reading role.
func (c *Client) CharacterRoles(ctx context.Context, token string, characterID int64) ([]string, error) {
	var out struct {
		Roles []string `json:"roles"`
	}
	err := c.getJSON(ctx, fmt.Sprintf("/characters/%d/roles/", characterID), token, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Roles, nil
}
