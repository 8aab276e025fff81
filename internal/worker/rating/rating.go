// Package rating prices a single lane against the configured rate table.
package rating

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/config"
	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
)

// PickupDateLayout is the accepted pickup_date format
const PickupDateLayout = "2006-01-02"

// Surcharge names used in Quote.Surcharges
const (
	SurchargeHazmat      = "hazmat"
	SurchargeTemperature = "temperature_controlled"
	SurchargeSpecial     = "special_requirements"
)

// ErrUnknownEquipment is returned when the rate table has no price for the equipment type
var ErrUnknownEquipment = errors.New("unknown equipment type")

// Quote is the result stored on a completed rating job
type Quote struct {
	Origin             string             `json:"origin"`
	Destination        string             `json:"destination"`
	EquipmentType      string             `json:"equipment_type"`
	PickupDate         string             `json:"pickup_date"`
	Currency           string             `json:"currency"`
	BaseRate           float64            `json:"base_rate"`
	WeightCharge       float64            `json:"weight_charge"`
	Surcharges         map[string]float64 `json:"surcharges,omitempty"`
	PriorityMultiplier float64            `json:"priority_multiplier"`
	Total              float64            `json:"total"`
}

// Engine prices lanes
type Engine struct {
	table config.RatingConfig
	bases map[string]float64
}

// NewEngine builds an engine over the rate table. Equipment lookups ignore case.
func NewEngine(table config.RatingConfig) *Engine {
	bases := make(map[string]float64, len(table.BaseRates))
	for name, rate := range table.BaseRates {
		bases[normalize(name)] = rate
	}
	return &Engine{table: table, bases: bases}
}

// Equipment lists the equipment types with an explicit base rate
func (e *Engine) Equipment() []string {
	names := make([]string, 0, len(e.table.BaseRates))
	for name := range e.table.BaseRates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rate prices one job payload
func (e *Engine) Rate(ctx context.Context, p *domain.JobPayload) (*Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lane := p.Lane
	if strings.TrimSpace(lane.Origin) == "" || strings.TrimSpace(lane.Destination) == "" {
		return nil, fmt.Errorf("%w: origin and destination are required", domain.ErrInvalidPayload)
	}
	if _, err := time.Parse(PickupDateLayout, lane.PickupDate); err != nil {
		return nil, fmt.Errorf("%w: pickup_date %q is not a YYYY-MM-DD date", domain.ErrInvalidPayload, lane.PickupDate)
	}

	base, ok := e.bases[normalize(lane.EquipmentType)]
	if !ok {
		if e.table.DefaultBaseRate <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEquipment, lane.EquipmentType)
		}
		base = e.table.DefaultBaseRate
	}

	q := &Quote{
		Origin:             lane.Origin,
		Destination:        lane.Destination,
		EquipmentType:      lane.EquipmentType,
		PickupDate:         lane.PickupDate,
		Currency:           e.table.Currency,
		BaseRate:           roundCents(base),
		PriorityMultiplier: e.multiplier(p.Priority),
	}

	if lane.Weight != nil {
		if *lane.Weight < 0 {
			return nil, fmt.Errorf("%w: weight must not be negative", domain.ErrInvalidPayload)
		}
		q.WeightCharge = roundCents(*lane.Weight * e.table.PerPoundRate)
	}

	surcharges := map[string]float64{}
	if lane.Hazmat != nil && *lane.Hazmat && e.table.HazmatSurcharge > 0 {
		surcharges[SurchargeHazmat] = roundCents(e.table.HazmatSurcharge)
	}
	if lane.TemperatureControlled != nil && *lane.TemperatureControlled && e.table.TemperatureSurcharge > 0 {
		surcharges[SurchargeTemperature] = roundCents(e.table.TemperatureSurcharge)
	}
	if n := len(lane.SpecialRequirements); n > 0 && e.table.SpecialRequirementFee > 0 {
		surcharges[SurchargeSpecial] = roundCents(float64(n) * e.table.SpecialRequirementFee)
	}
	if len(surcharges) > 0 {
		q.Surcharges = surcharges
	}

	subtotal := q.BaseRate + q.WeightCharge
	for _, amount := range surcharges {
		subtotal += amount
	}
	q.Total = roundCents(subtotal * q.PriorityMultiplier)

	return q, nil
}

func (e *Engine) multiplier(priority string) float64 {
	if m, ok := e.table.PriorityMultipliers[priority]; ok && m > 0 {
		return m
	}
	return 1
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
