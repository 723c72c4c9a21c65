package scheduler

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"go-modelwatch/internal/models"
)

// Ownership is who triggers checks for a site.
type Ownership int

const (
	Unscheduled Ownership = iota
	IndividuallyScheduled
	GloballyOwned
)

func (o Ownership) String() string {
	switch o {
	case IndividuallyScheduled:
		return "individual"
	case GloballyOwned:
		return "global"
	}
	return "unscheduled"
}

// JobSpec is one individual cron job for a site.
type JobSpec struct {
	Cron     string
	Timezone string
}

// Expr is the expression handed to the cron parser.
func (j JobSpec) Expr() string {
	return withTZ(strings.TrimSpace(j.Cron), j.Timezone)
}

func withTZ(expr, tz string) string {
	if tz = strings.TrimSpace(tz); tz == "" {
		tz = "UTC"
	}
	return "CRON_TZ=" + tz + " " + expr
}

// GlobalExpr is the daily expression of the global policy.
func GlobalExpr(cfg models.ScheduleConfig) string {
	return withTZ(fmt.Sprintf("%d %d * * *", cfg.Minute, cfg.Hour), cfg.Timezone)
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr and tz form a schedule the coordinator can run.
func Validate(expr, tz string) error {
	_, err := parser.Parse(withTZ(strings.TrimSpace(expr), tz))
	return err
}

// OwnershipOf places one site under the current global policy.
func OwnershipOf(site *models.Site, cfg models.ScheduleConfig) Ownership {
	switch {
	case cfg.Enabled && cfg.OverrideIndividual:
		return GloballyOwned
	case site.HasIndividualSchedule():
		return IndividuallyScheduled
	case cfg.Enabled:
		return GloballyOwned
	}
	return Unscheduled
}

// DesiredState maps every site that should own an individual job to its spec.
// Sites absent from the map run only through the global batch, if at all.
func DesiredState(sites []models.Site, cfg models.ScheduleConfig) map[int64]JobSpec {
	out := make(map[int64]JobSpec)
	for i := range sites {
		s := &sites[i]
		if OwnershipOf(s, cfg) == IndividuallyScheduled {
			out[s.ID] = JobSpec{Cron: strings.TrimSpace(s.ScheduleCron), Timezone: s.ScheduleTimezone}
		}
	}
	return out
}

// candidates selects the sites a global run checks.
func candidates(sites []models.Site, cfg models.ScheduleConfig) []models.Site {
	if cfg.Enabled && cfg.OverrideIndividual {
		return sites
	}
	var out []models.Site
	for _, s := range sites {
		if !s.HasIndividualSchedule() {
			out = append(out, s)
		}
	}
	return out
}
