package models

import (
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// SampledValueTemplate describes one sample the meter sampler emits per tick.
// An empty Measurand means Energy.Active.Import.Register; an empty Value lets
// the sampler synthesise one from the station's electrical characteristics.
type SampledValueTemplate struct {
	Value     string               `json:"value,omitempty"`
	Context   types.ReadingContext `json:"context,omitempty"`
	Format    types.ValueFormat    `json:"format,omitempty"`
	Measurand types.Measurand      `json:"measurand,omitempty"`
	Phase     types.Phase          `json:"phase,omitempty"`
	Location  types.Location       `json:"location,omitempty"`
	Unit      types.UnitOfMeasure  `json:"unit,omitempty"`
}

// MeasurandOrDefault returns the template measurand, defaulting to the energy
// register as OCPP 1.6 prescribes for an absent measurand.
func (t SampledValueTemplate) MeasurandOrDefault() types.Measurand {
	if t.Measurand == "" {
		return types.MeasurandEnergyActiveImportRegister
	}
	return t.Measurand
}
