package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/store"
)

// createDueAuctions scans every auto-scheduled site and creates the next
// possession window's auction once it falls within that site's lead time,
// advancing the site's anchor so the next tick computes the window after.
func (s *Scheduler) createDueAuctions(ctx context.Context) error {
	var sites []store.Site
	if err := s.db.WithContext(ctx).Where("auto_schedule = ?", true).Find(&sites).Error; err != nil {
		return engineerr.External(err)
	}

	now := s.clk.Now()
	for _, site := range sites {
		if err := s.maybeCreateForSite(ctx, site, now); err != nil {
			s.logger.Error("auction creation failed for site", "site_id", site.ID, "error", err)
		}
	}
	return nil
}

// maybeCreateForSite creates at most one auction per call: the next
// possession window after the site's last one, if its lead time has
// arrived and no auction already covers it.
func (s *Scheduler) maybeCreateForSite(ctx context.Context, site store.Site, now time.Time) error {
	anchor := now
	if site.LastPossessionEnd != nil {
		anchor = *site.LastPossessionEnd
	}
	possessionStart := alignToOpenHours(anchor, site)
	possessionEnd := possessionStart.Add(time.Duration(site.PossessionPeriodSeconds) * time.Second)
	leadTime := time.Duration(site.AuctionLeadTimeSeconds) * time.Second
	startAt := possessionStart.Add(-leadTime)

	if now.Before(startAt) {
		return nil
	}

	var existing store.Auction
	err := s.db.WithContext(ctx).
		Where("site_id = ? AND possession_start = ?", site.ID, possessionStart).
		First(&existing).Error
	if err == nil {
		return nil // already created
	}
	if err != gorm.ErrRecordNotFound {
		return engineerr.External(err)
	}

	auctionID, err := s.engine.CreateAuction(ctx, site.ID, possessionStart, possessionEnd, startAt)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Model(&store.Site{}).Where("id = ?", site.ID).
		Update("last_possession_end", possessionEnd).Error; err != nil {
		return engineerr.External(err)
	}

	s.logger.Info("scheduled auction created", "auction_id", auctionID, "site_id", site.ID, "possession_start", possessionStart)
	return nil
}

// openHoursWindow is one allowed weekly interval: Weekday counts from
// Sunday = 0, and StartMinute/EndMinute are minutes from that weekday's
// midnight in the site's local timezone.
type openHoursWindow struct {
	Weekday     int `json:"weekday"`
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// alignToOpenHours steps t forward in whole hours, up to one week, and
// returns the first step that falls inside one of site's declared
// open-hours windows. Candidates keep t's minute-of-hour, so a window
// shorter than an hour can be skipped; if no step matches, t is returned
// unchanged. A site with no OpenHours configured has no constraint and t
// is returned unchanged.
func alignToOpenHours(t time.Time, site store.Site) time.Time {
	windows, err := parseOpenHours(site.OpenHours)
	if err != nil || len(windows) == 0 {
		return t
	}

	loc := time.UTC
	if site.Timezone != "" {
		if l, err := time.LoadLocation(site.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	for offset := 0; offset < 7*24; offset++ {
		candidate := local.Add(time.Duration(offset) * time.Hour)
		minuteOfWeek := int(candidate.Weekday())*24*60 + candidate.Hour()*60 + candidate.Minute()
		for _, w := range windows {
			start := w.Weekday*24*60 + w.StartMinute
			end := w.Weekday*24*60 + w.EndMinute
			if minuteOfWeek >= start && minuteOfWeek < end {
				return candidate.In(time.UTC)
			}
		}
	}
	return t // no open window found in a full week: leave uncorrected
}

func parseOpenHours(raw []byte) ([]openHoursWindow, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var windows []openHoursWindow
	if err := json.Unmarshal(raw, &windows); err != nil {
		return nil, err
	}
	return windows, nil
}
