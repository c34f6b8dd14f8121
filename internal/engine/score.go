package engine

import (
	"context"

	"pactline/internal/domain"
	"pactline/internal/repo"
)

// TaskScore is the per-task breakdown of a score report.
type TaskScore struct {
	TaskCID       string `json:"task_cid"`
	Title         string `json:"title"`
	PointValue    int    `json:"point_value"`
	Corroborating int    `json:"corroborating"`
	Credited      int    `json:"credited"`
}

// ScoreReport is a user's credited score reconstructed from outcomes and
// connections.
type ScoreReport struct {
	UserCID               string      `json:"user_cid"`
	Total                 int         `json:"total"`
	TasksDoneAlone        int         `json:"tasks_done_alone"`
	TasksDoneWithAPartner int         `json:"tasks_done_with_a_partner"`
	Tasks                 []TaskScore `json:"tasks,omitempty"`
}

// Score computes the user's credited score. Every FULFILLED task contributes
// its point value once; each corroborating partner outcome — a FULFILLED or
// broken-omit-partner outcome by a user linked through a CONFIRMED or
// BROKE_WITH connection on the same task — adds one additional full credit.
func (e Engine) Score(ctx context.Context, userCID string) (ScoreReport, error) {
	u, err := e.Repo.GetUserByCID(ctx, userCID)
	if err != nil {
		return ScoreReport{}, err
	}
	report := ScoreReport{UserCID: u.CID}

	fulfilled, err := e.Repo.ListOutcomes(ctx, repo.OutcomeFilters{
		UserID: u.ID,
		Types:  []string{domain.OutcomeFulfilled},
	})
	if err != nil {
		return report, err
	}
	for _, own := range fulfilled {
		t, err := e.Repo.GetTask(ctx, own.TaskID)
		if err != nil {
			return report, err
		}
		conns, err := e.Repo.ListConnections(ctx, repo.ConnectionFilters{
			TaskID:         t.ID,
			TouchingUserID: u.ID,
			Types:          []string{domain.ConnectionConfirmed, domain.ConnectionBrokeWith},
		})
		if err != nil {
			return report, err
		}
		var partnerIDs []string
		for _, c := range conns {
			id := c.OtherSide(u.ID)
			if id != u.ID {
				partnerIDs = append(partnerIDs, id)
			}
		}
		corroborating := 0
		if len(partnerIDs) > 0 {
			partnerOutcomes, err := e.Repo.ListOutcomes(ctx, repo.OutcomeFilters{
				TaskID:  t.ID,
				UserIDs: partnerIDs,
				Types:   []string{domain.OutcomeFulfilled, domain.OutcomeBrokenOmitPartner},
			})
			if err != nil {
				return report, err
			}
			corroborating = len(partnerOutcomes)
		}
		credited := t.PointValue + t.PointValue*corroborating
		report.Total += credited
		if corroborating == 0 {
			report.TasksDoneAlone++
		} else {
			report.TasksDoneWithAPartner++
		}
		report.Tasks = append(report.Tasks, TaskScore{
			TaskCID:       t.CID,
			Title:         t.Title,
			PointValue:    t.PointValue,
			Corroborating: corroborating,
			Credited:      credited,
		})
	}
	return report, nil
}
