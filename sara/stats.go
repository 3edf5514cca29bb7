package sara

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fieldlink.io/drivers/sarar5/modem"
)

// RadioStats is the decoded AT+UCGED mode 2 report for an LTE cell.
// RSRP, AvgRSRP and RSRQ are nil when the module reports the value as
// unknown or undetectable.
type RadioStats struct {
	RAT          int
	ServiceState int
	MCC          string
	MNC          string

	EARFCN         int
	Band           int
	UplinkBW       int
	DownlinkBW     int
	TAC            string
	CellID         string
	PhysicalCellID int

	// RSRP and AvgRSRP are in dBm, RSRQ in dB.
	RSRP    *int
	AvgRSRP *int
	RSRQ    *float64
	SINR    string
	RRC     int
	CQI     int
}

// SignalQuality is the classic AT+CSQ report. RSSI is in dBm, nil when
// unknown (raw value 99).
type SignalQuality struct {
	RSSI *int
	BER  int
}

// RadioStats queries AT+UCGED? and decodes the two report lines that
// follow the "+UCGED: 2" mode line.
func (mod *Module) RadioStats(ctx context.Context) (*RadioStats, error) {
	resp, err := mod.m.Submit(ctx, modem.Request{Cmd: "AT+UCGED?"})
	if err != nil {
		return nil, fmt.Errorf("sara: reading radio stats: %w", err)
	}
	if len(resp.Info) < 3 {
		return nil, fmt.Errorf("sara: short UCGED response (%d lines)", len(resp.Info))
	}
	mode := strings.TrimSpace(strings.TrimPrefix(resp.Info[0], "+UCGED:"))
	if mode != "2" {
		return nil, fmt.Errorf("sara: unexpected UCGED mode line %q", resp.Info[0])
	}
	return parseRadioStats(resp.Info[1], resp.Info[2])
}

// parseRadioStats decodes the metadata line (rat,svc,MCC,MNC) and the
// per-cell statistics line of a mode 2 report.
func parseRadioStats(meta, stats string) (*RadioStats, error) {
	mf := strings.Split(strings.TrimSpace(meta), ",")
	if len(mf) < 4 {
		return nil, fmt.Errorf("sara: short UCGED metadata line %q", meta)
	}
	sf := strings.Split(strings.TrimSpace(stats), ",")
	if len(sf) < 17 {
		return nil, fmt.Errorf("sara: short UCGED stats line %q", stats)
	}

	rs := &RadioStats{
		MCC: strings.TrimSpace(mf[2]),
		MNC: strings.TrimSpace(mf[3]),
		TAC: unquote(sf[4]),
		// hexadecimal, kept as reported
		CellID: unquote(sf[5]),
		SINR:   strings.TrimSpace(sf[12]),
	}

	ints := []struct {
		dst *int
		raw string
	}{
		{&rs.RAT, mf[0]},
		{&rs.ServiceState, mf[1]},
		{&rs.EARFCN, sf[0]},
		{&rs.Band, sf[1]},
		{&rs.UplinkBW, sf[2]},
		{&rs.DownlinkBW, sf[3]},
		{&rs.PhysicalCellID, sf[6]},
		{&rs.RRC, sf[13]},
		{&rs.CQI, sf[15]},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(strings.TrimSpace(f.raw))
		if err != nil {
			return nil, fmt.Errorf("sara: malformed UCGED field %q: %w", f.raw, err)
		}
		*f.dst = v
	}

	rsrp, err := strconv.Atoi(strings.TrimSpace(sf[10]))
	if err != nil {
		return nil, fmt.Errorf("sara: malformed RSRP %q: %w", sf[10], err)
	}
	rs.RSRP = translateRSRP(rsrp)

	avg, err := strconv.Atoi(strings.TrimSpace(sf[16]))
	if err != nil {
		return nil, fmt.Errorf("sara: malformed avg RSRP %q: %w", sf[16], err)
	}
	rs.AvgRSRP = translateRSRP(avg)

	rsrq, err := strconv.Atoi(strings.TrimSpace(sf[11]))
	if err != nil {
		return nil, fmt.Errorf("sara: malformed RSRQ %q: %w", sf[11], err)
	}
	rs.RSRQ = translateRSRQ(rsrq)

	return rs, nil
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

// translateRSRP maps the raw 3GPP index to dBm; 255 means undetectable.
func translateRSRP(raw int) *int {
	if raw == 255 {
		return nil
	}
	v := raw - 141
	return &v
}

// translateRSRQ maps the raw extended-range index (3GPP TS 36.133) to dB.
func translateRSRQ(raw int) *float64 {
	var v float64
	switch {
	case raw == 255:
		return nil
	case raw == 46:
		v = 2.5
	case raw >= 35 && raw <= 45:
		v = -3 + float64(raw-35)*0.05
	case raw >= 1 && raw <= 33:
		v = -19.5 + float64(raw-1)*0.5
	case raw >= -29 && raw <= -1:
		v = -34 + float64(raw+29)*0.5
	case raw == -30:
		v = -34
	default:
		return nil
	}
	return &v
}

// SignalQuality queries AT+CSQ. The raw RSSI index 0..31 maps to
// -113..-51 dBm in 2 dBm steps; 99 means unknown.
func (mod *Module) SignalQuality(ctx context.Context) (*SignalQuality, error) {
	resp, err := mod.m.Submit(ctx, modem.Request{Cmd: "AT+CSQ"})
	if err != nil {
		return nil, fmt.Errorf("sara: reading signal quality: %w", err)
	}
	data, err := singleInfo(resp, "+CSQ:")
	if err != nil {
		return nil, err
	}
	var raw, ber int
	if _, err := fmt.Sscanf(strings.TrimSpace(data), "%d,%d", &raw, &ber); err != nil {
		return nil, fmt.Errorf("sara: malformed CSQ response %q: %w", data, err)
	}
	sq := &SignalQuality{BER: ber}
	if raw != 99 {
		dbm := -113 + 2*raw
		sq.RSSI = &dbm
	}
	return sq, nil
}
