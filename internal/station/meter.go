package station

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/config"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/internal/helpers"
	"github.com/Zero-Carbon-Charge/ev-charger-simulator-fork/models"
)

// startMeterSampler arms the periodic MeterValues push for a connector,
// replacing any sampler already running there.
func (s *Station) startMeterSampler(connectorID int, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	s.mu.Lock()
	c, ok := s.connectorLocked(connectorID)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.stopMeterSamplerLocked(c)
	stop := make(chan struct{})
	c.meterStop = stop
	s.mu.Unlock()

	log.Printf("%s meter sampler started on connector %d every %s", s.logPrefix(), connectorID, interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.sampleMeterValues(connectorID, interval); err != nil {
					log.Printf("%s meter sampling on connector %d: %v", s.logPrefix(), connectorID, err)
				}
			}
		}
	}()
}

// stopMeterSamplerLocked stops the connector's sampler. Caller holds s.mu.
func (s *Station) stopMeterSamplerLocked(c *Connector) {
	if c != nil && c.meterStop != nil {
		close(c.meterStop)
		c.meterStop = nil
	}
}

// sampleMeterValues synthesises one MeterValues push from the connector's
// sample templates and the station's electrical characteristics.
func (s *Station) sampleMeterValues(connectorID int, interval time.Duration) error {
	enabled := s.enabledMeasurands()

	s.mu.Lock()
	c, ok := s.connectorLocked(connectorID)
	if !ok || !c.TransactionStarted || c.TransactionID == nil {
		s.mu.Unlock()
		return fmt.Errorf("no transaction running")
	}
	divider := s.powerDividerLocked()
	if divider < 1 {
		s.mu.Unlock()
		return fmt.Errorf("power divider %d, cannot sample meter values", divider)
	}
	txID := *c.TransactionID
	templates := c.MeterValues
	if len(templates) == 0 {
		templates = []models.SampledValueTemplate{{}}
	}

	maxPower := s.info.MaxPower
	phases := s.template.Phases()
	voltage := s.template.Voltage()
	outType := s.template.OutType()
	intervalMs := float64(interval.Milliseconds())

	var samples []types.SampledValue
	for _, tpl := range templates {
		measurand := tpl.MeasurandOrDefault()
		if _, ok := enabled[string(measurand)]; !ok {
			log.Printf("%s measurand %s not configured for sampling, skipping", s.logPrefix(), measurand)
			continue
		}
		switch measurand {
		case types.MeasurandEnergyActiveImportRegister:
			samples = append(samples, s.energySample(c, tpl, maxPower, float64(divider), intervalMs))
		case types.MeasurandPowerActiveImport:
			samples = append(samples, powerSamples(tpl, maxPower, float64(divider), outType, phases)...)
		case types.MeasurandCurrentImport:
			samples = append(samples, currentSamples(tpl, maxPower, float64(divider), outType, phases, voltage)...)
		case types.MeasurandVoltage:
			samples = append(samples, voltageSamples(tpl, voltage, phases)...)
		case types.MeasurandSoC:
			samples = append(samples, socSample(s.logPrefix(), tpl))
		default:
			log.Printf("%s measurand %s not supported, skipping", s.logPrefix(), measurand)
		}
	}
	s.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	values := []types.MeterValue{{
		Timestamp:    types.NewDateTime(time.Now()),
		SampledValue: samples,
	}}
	req := &core.MeterValuesRequest{
		ConnectorId:   connectorID,
		TransactionId: &txID,
		MeterValue:    values,
	}
	if _, err := s.transport.SendRequest(req); err != nil {
		return err
	}
	s.emitMeterValues(connectorID, values)
	return nil
}

// enabledMeasurands parses MeterValuesSampledData into a lookup set.
func (s *Station) enabledMeasurands() map[string]struct{} {
	value := string(types.MeasurandEnergyActiveImportRegister)
	if k, ok := s.cfg.Get(config.MeterValuesSampledDataKey, false); ok {
		value = k.Value
	}
	set := make(map[string]struct{})
	for _, m := range strings.Split(value, ",") {
		set[strings.TrimSpace(m)] = struct{}{}
	}
	return set
}

// energySample advances the connector's energy register by a bounded random
// increment and emits the register total in Wh. Caller holds s.mu.
func (s *Station) energySample(c *Connector, tpl models.SampledValueTemplate,
	maxPower, divider, intervalMs float64) types.SampledValue {
	sv := sampledValue(tpl, types.UnitOfMeasureWh)
	if tpl.Value != "" {
		sv.Value = tpl.Value
		return sv
	}
	if c.LastEnergyActiveImportRegisterValue < 0 {
		c.LastEnergyActiveImportRegisterValue = 0
	}
	maxEnergy := math.Round(maxPower * intervalMs / (3600000 * divider))
	delta := helpers.RandomInt(int(maxEnergy))
	limit := math.Round(maxPower * 3600 / (divider * intervalMs))
	if float64(delta) > limit {
		log.Printf("%s energy increment %dWh exceeds maximum %.0fWh per interval", s.logPrefix(), delta, limit)
	}
	c.LastEnergyActiveImportRegisterValue += delta
	sv.Value = strconv.Itoa(c.LastEnergyActiveImportRegisterValue)
	return sv
}

// powerSamples emits the aggregate active-import power and, on AC, one value
// per phase with phase L{n}-N.
func powerSamples(tpl models.SampledValueTemplate, maxPower, divider float64,
	outType string, phases int) []types.SampledValue {
	agg := sampledValue(tpl, types.UnitOfMeasureW)
	var out []types.SampledValue
	switch {
	case outType == models.PowerOutTypeAC && phases == 3:
		perPhaseMax := maxPower / divider / 3
		p1 := helpers.RoundTo(helpers.RandomFloat(perPhaseMax), 2)
		p2 := helpers.RoundTo(helpers.RandomFloat(perPhaseMax), 2)
		p3 := helpers.RoundTo(helpers.RandomFloat(perPhaseMax), 2)
		agg.Value = formatFloat(helpers.RoundTo(p1+p2+p3, 2))
		out = append(out, agg)
		for n, v := range []float64{p1, p2, p3} {
			sv := sampledValue(tpl, types.UnitOfMeasureW)
			sv.Value = formatFloat(v)
			sv.Phase = phaseLN(n + 1)
			out = append(out, sv)
		}
	case outType == models.PowerOutTypeAC:
		p1 := helpers.RoundTo(helpers.RandomFloat(maxPower/divider), 2)
		agg.Value = formatFloat(p1)
		out = append(out, agg)
		sv := sampledValue(tpl, types.UnitOfMeasureW)
		sv.Value = formatFloat(p1)
		sv.Phase = types.PhaseL1N
		out = append(out, sv)
	default: // DC
		agg.Value = formatFloat(helpers.RoundTo(helpers.RandomFloat(maxPower/divider), 2))
		out = append(out, agg)
	}
	return out
}

// currentSamples emits the aggregate import current and, on AC, one value per
// phase with phase L{n}. The three-phase aggregate is the phase mean.
func currentSamples(tpl models.SampledValueTemplate, maxPower, divider float64,
	outType string, phases int, voltage float64) []types.SampledValue {
	agg := sampledValue(tpl, types.UnitOfMeasureA)
	var out []types.SampledValue
	switch {
	case outType == models.PowerOutTypeAC && phases == 3:
		perPhaseMax := maxPower / divider / (voltage * 3)
		i1 := helpers.RoundTo(helpers.RandomFloat(perPhaseMax), 2)
		i2 := helpers.RoundTo(helpers.RandomFloat(perPhaseMax), 2)
		i3 := helpers.RoundTo(helpers.RandomFloat(perPhaseMax), 2)
		agg.Value = formatFloat(helpers.RoundTo((i1+i2+i3)/3, 2))
		out = append(out, agg)
		for n, v := range []float64{i1, i2, i3} {
			sv := sampledValue(tpl, types.UnitOfMeasureA)
			sv.Value = formatFloat(v)
			sv.Phase = phaseL(n + 1)
			out = append(out, sv)
		}
	case outType == models.PowerOutTypeAC:
		i1 := helpers.RoundTo(helpers.RandomFloat(maxPower/divider/voltage), 2)
		agg.Value = formatFloat(i1)
		out = append(out, agg)
		sv := sampledValue(tpl, types.UnitOfMeasureA)
		sv.Value = formatFloat(i1)
		sv.Phase = types.PhaseL1
		out = append(out, sv)
	default: // DC
		agg.Value = formatFloat(helpers.RoundTo(helpers.RandomFloat(maxPower/divider/voltage), 2))
		out = append(out, agg)
	}
	return out
}

// voltageSamples emits the aggregate voltage and, on three-phase AC, one
// value per phase. Readings fluctuate within ±10% of the nominal voltage;
// phase-to-phase naming kicks in above 250V nominal.
func voltageSamples(tpl models.SampledValueTemplate, voltage float64, phases int) []types.SampledValue {
	agg := sampledValue(tpl, types.UnitOfMeasureV)
	agg.Value = formatFloat(helpers.RoundTo(helpers.RandomFloatBetween(0.9*voltage, 1.1*voltage), 2))
	out := []types.SampledValue{agg}
	if phases != 3 {
		return out
	}
	for n := 1; n <= 3; n++ {
		sv := sampledValue(tpl, types.UnitOfMeasureV)
		sv.Value = formatFloat(helpers.RoundTo(helpers.RandomFloatBetween(0.9*voltage, 1.1*voltage), 2))
		if voltage <= 250 {
			sv.Phase = phaseLN(n)
		} else {
			sv.Phase = phaseLL(n)
		}
		out = append(out, sv)
	}
	return out
}

func socSample(logPrefix string, tpl models.SampledValueTemplate) types.SampledValue {
	sv := sampledValue(tpl, types.UnitOfMeasurePercent)
	if tpl.Value != "" {
		sv.Value = tpl.Value
		if v, err := strconv.ParseFloat(tpl.Value, 64); err == nil && (v < 0 || v > 100) {
			log.Printf("%s SoC value %s out of range", logPrefix, tpl.Value)
		}
		return sv
	}
	sv.Value = strconv.Itoa(helpers.RandomInt(100))
	return sv
}

// sampledValue copies the template's wire attributes with Sample.Periodic as
// the default context and the given default unit.
func sampledValue(tpl models.SampledValueTemplate, defaultUnit types.UnitOfMeasure) types.SampledValue {
	sv := types.SampledValue{
		Context:   tpl.Context,
		Format:    tpl.Format,
		Measurand: tpl.MeasurandOrDefault(),
		Location:  tpl.Location,
		Unit:      tpl.Unit,
	}
	if sv.Context == "" {
		sv.Context = types.ReadingContextSamplePeriodic
	}
	if sv.Unit == "" {
		sv.Unit = defaultUnit
	}
	return sv
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func phaseLN(n int) types.Phase {
	switch n {
	case 1:
		return types.PhaseL1N
	case 2:
		return types.PhaseL2N
	default:
		return types.PhaseL3N
	}
}

func phaseL(n int) types.Phase {
	switch n {
	case 1:
		return types.PhaseL1
	case 2:
		return types.PhaseL2
	default:
		return types.PhaseL3
	}
}

func phaseLL(n int) types.Phase {
	switch n {
	case 1:
		return types.PhaseL1L2
	case 2:
		return types.PhaseL2L3
	default:
		return types.PhaseL3L1
	}
}
