package trigger

import (
	"neurorec/internal/config"
	"neurorec/internal/datafile"
)

// triggerParams returns the sidecar keys describing the active policy.
func triggerParams(cfg *config.Config) *datafile.Meta {
	m := datafile.NewMeta()
	t := cfg.Trigger
	switch t.Mode {
	case config.TriggerTimed:
		m.SetFloat("trgTimTL0", t.Timed.TL0)
		m.SetFloat("trgTimTH", t.Timed.TH)
		m.SetFloat("trgTimTL", t.Timed.TL)
		m.SetInt("trgTimNH", int64(t.Timed.NH))
		m.SetBool("trgTimIsHInf", t.Timed.InfiniteH)
		m.SetBool("trgTimIsNInf", t.Timed.InfiniteN)
	case config.TriggerTTL:
		m.Set(datafile.KeyTrgTTLStream, t.TTL.Stream)
		m.Set("trgTTLMode", t.TTL.Mode)
		m.SetBool(datafile.KeyTrgTTLIsAnalog, t.TTL.Analog)
		m.SetInt(datafile.KeyTrgTTLAIChan, int64(t.TTL.Channel))
		m.SetInt(datafile.KeyTrgTTLBit, int64(t.TTL.Bit))
		m.SetInt("trgTTLThresh", int64(t.TTL.Threshold))
		m.SetInt("trgTTLInarow", int64(t.TTL.Inarow))
		m.SetFloat("trgTTLMarginS", t.TTL.MarginSecs)
		m.SetFloat("trgTTLRefractS", t.TTL.RefractSecs)
		m.SetFloat("trgTTLTH", t.TTL.TH)
		m.SetInt("trgTTLNH", int64(t.TTL.NH))
		m.SetBool("trgTTLIsNInf", t.TTL.InfiniteN)
	case config.TriggerSpike:
		m.Set(datafile.KeyTrgSpikeStream, t.Spike.Stream)
		m.SetInt(datafile.KeyTrgSpikeAIChan, int64(t.Spike.Channel))
		m.SetInt("trgSpikeThresh", int64(t.Spike.Threshold))
		m.SetInt("trgSpikeInarow", int64(t.Spike.Inarow))
		m.SetFloat("trgSpikePeriEvtS", t.Spike.PeriEvtSecs)
		m.SetFloat("trgSpikeRefractS", t.Spike.RefractSecs)
		m.SetInt("trgSpikeNS", int64(t.Spike.NS))
		m.SetBool("trgSpikeIsNInf", t.Spike.InfiniteN)
	}
	return m
}
