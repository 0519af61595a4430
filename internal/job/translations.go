package job

import (
	"fmt"
	"time"
)

// Default batching parameters for built-in jobs.
const (
	DefaultMinBatchSize = 1000
	DefaultTimeGoal     = 4 * time.Second
)

// TranslationCopy builds the canonical "copy translations to a new series"
// job: every translation table attached to the parent series is staged,
// remapped, and poured in referential order. Dependent tables carry no
// filter of their own; the join against their staged parents scopes them.
func TranslationCopy(namespace string, parentSeriesID int) *Job {
	return &Job{
		Namespace:    namespace,
		MinBatchSize: DefaultMinBatchSize,
		TimeGoal:     DefaultTimeGoal,
		Tables: []TableSpec{
			{
				Name:   "potemplate",
				Filter: fmt.Sprintf("src.distroseries = %d", parentSeriesID),
			},
			{
				Name:      "potmsgset",
				DependsOn: []string{"potemplate"},
			},
			{
				Name:      "pofile",
				DependsOn: []string{"potemplate"},
			},
			{
				Name:      "pomsgset",
				DependsOn: []string{"pofile", "potmsgset"},
			},
			{
				Name:      "posubmission",
				DependsOn: []string{"pomsgset"},
			},
		},
	}
}
