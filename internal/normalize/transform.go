// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package normalize implements the durable consumers that turn raw
// vendor events into canonical per-day records: contract validation,
// field normalization, idempotent persistence, republishing, and
// dead-letter routing.
package normalize

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/athlete-ally/athlete-ally/internal/eventbus"
	"github.com/athlete-ally/athlete-ally/internal/events"
)

// NormalizeHRV turns a validated raw HRV payload into a canonical
// record. The canonical rMSSD field wins over the legacy rmssd alias
// when both are present; lnRmssd is derived as ln(rmssd) when absent.
func NormalizeHRV(ev events.RawEvent) (events.HRVRecord, error) {
	var p events.HRVPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return events.HRVRecord{}, eventbus.Permanent("parse hrv payload", err)
	}

	rmssd := p.LegacyRMSSD
	if p.RMSSD != nil {
		rmssd = p.RMSSD
	}
	if rmssd == nil || *rmssd <= 0 {
		return events.HRVRecord{}, eventbus.Permanent("normalize hrv",
			fmt.Errorf("no usable rmssd value for user %s date %s", p.UserID, p.Date))
	}

	lnRmssd := math.Log(*rmssd)
	if p.LnRMSSD != nil {
		lnRmssd = *p.LnRMSSD
	}

	return events.HRVRecord{
		UserID:     p.UserID,
		Date:       p.Date,
		RMSSD:      *rmssd,
		LnRMSSD:    lnRmssd,
		Vendor:     vendorOrUnknown(ev.Vendor),
		CapturedAt: p.CapturedAt,
	}, nil
}

// NormalizeSleep turns a validated raw sleep payload into a canonical
// record.
func NormalizeSleep(ev events.RawEvent) (events.SleepRecord, error) {
	var p events.SleepPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return events.SleepRecord{}, eventbus.Permanent("parse sleep payload", err)
	}

	if p.DurationMinutes == nil || *p.DurationMinutes <= 0 {
		return events.SleepRecord{}, eventbus.Permanent("normalize sleep",
			fmt.Errorf("no usable duration for user %s date %s", p.UserID, p.Date))
	}

	return events.SleepRecord{
		UserID:          p.UserID,
		Date:            p.Date,
		DurationMinutes: *p.DurationMinutes,
		QualityScore:    p.QualityScore,
		Vendor:          vendorOrUnknown(ev.Vendor),
		CapturedAt:      p.CapturedAt,
	}, nil
}

func vendorOrUnknown(vendor string) string {
	switch vendor {
	case events.VendorOura, events.VendorWhoop:
		return vendor
	default:
		return events.VendorUnknown
	}
}
