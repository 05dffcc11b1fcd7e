package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"

	"hevysync.dev/agent/delta"
	"hevysync.dev/agent/hevyclient"
	"hevysync.dev/agent/orchestrator"
	"hevysync.dev/agent/pagination"
	"hevysync.dev/agent/store"
)

func stdinReader() *bufio.Reader { return bufio.NewReader(os.Stdin) }
func stdoutWriter() *bufio.Writer { return bufio.NewWriter(os.Stdout) }

// projectSimpleSheet turns one decoded item into a single row of
// [id, name] — the shape exercises, routines, and routine folders all
// share at the tabular-store level. The name is taken from "title",
// falling back to "name"; no other field of the item is kept.
func projectSimpleSheet(item json.RawMessage) (store.Row, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil {
		return nil, err
	}
	var id, title string
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &id)
	}
	for _, key := range []string{"title", "name"} {
		if raw, ok := fields[key]; ok {
			_ = json.Unmarshal(raw, &title)
			break
		}
	}
	return store.Row{id, title}, nil
}

// fullSheetStep builds a Step that walks path end to end via C6 and
// overwrites the named sheet wholesale each run — the variant spec.md
// §4.9 calls "full import (bootstrap)", used here for every sheet that
// has no delta/cursor concept of its own (only workouts does).
func fullSheetStep(a *app, sheetName, path, dataKey string) orchestrator.Step {
	return orchestrator.Step{
		Name: sheetName,
		Run: func(ctx context.Context, cancelCheck orchestrator.CancelCheck) (int, error) {
			sheet, err := a.tabularStore.GetSheetByName(ctx, sheetName, true)
			if err != nil {
				return 0, err
			}
			if err := a.tabularStore.SetIDColumn(ctx, sheetName, 0); err != nil {
				return 0, err
			}

			var rows []store.Row
			fetch := pagination.NewFetcher(a.client, path, dataKey)
			_, err = pagination.Walk(ctx, fetch, pagination.Config{
				Path:           path,
				PageSize:       50,
				OnPage: func(items []json.RawMessage) error {
					for _, item := range items {
						row, err := projectSimpleSheet(item)
						if err != nil {
							continue
						}
						rows = append(rows, row)
					}
					return nil
				},
				CancelCheck:    pagination.CancelCheck(cancelCheck),
				MaxPages:       a.cfg.MaxPages,
				InterPageDelay: a.cfg.InterPageDelay,
				Clock:          a.clk,
			})
			if err != nil {
				return 0, err
			}

			lastRow, err := a.tabularStore.LastRow(ctx, sheet)
			if err != nil {
				return 0, err
			}
			if lastRow >= 0 {
				if err := a.tabularStore.ClearRange(ctx, sheet, 0, lastRow+1); err != nil {
					return 0, err
				}
			}
			if err := a.tabularStore.WriteRange(ctx, sheet, 0, rows); err != nil {
				return 0, err
			}
			return len(rows), nil
		},
	}
}

// workoutDeltaCursor adapts a.properties to delta.CursorStore.
type workoutDeltaCursor struct{ a *app }

func (c workoutDeltaCursor) Get(key string) (string, bool, error) { return c.a.properties.Get(key) }
func (c workoutDeltaCursor) Set(key, value string) error          { return c.a.properties.Set(key, value) }

// projectWorkout turns a fetched /workouts/{id} payload into its rows:
// one per set if the workout has exercises, else a single summary row.
func projectWorkout(id string, payload json.RawMessage) []store.Row {
	var body struct {
		Title     string `json:"title"`
		Exercises []struct {
			Title string `json:"title"`
			Sets  []struct {
				Weight float64 `json:"weight_kg"`
				Reps   int     `json:"reps"`
			} `json:"sets"`
		} `json:"exercises"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return []store.Row{{id, "", "", nil, nil}}
	}
	if len(body.Exercises) == 0 {
		return []store.Row{{id, body.Title, "", nil, nil}}
	}
	var rows []store.Row
	for _, ex := range body.Exercises {
		if len(ex.Sets) == 0 {
			rows = append(rows, store.Row{id, body.Title, ex.Title, nil, nil})
			continue
		}
		for _, set := range ex.Sets {
			rows = append(rows, store.Row{id, body.Title, ex.Title, set.Weight, set.Reps})
		}
	}
	return rows
}

// workoutsStep builds the workouts Step, choosing between delta.RunDelta
// and delta.RunBootstrap per whether a cursor already exists (spec.md
// §4.9's "full import (bootstrap) is the simpler variant" branch).
func workoutsStep(a *app) orchestrator.Step {
	return orchestrator.Step{
		Name: "workouts",
		// Workouts reference exercise ids, so exercises must land first
		// per spec.md §4.8/§5's ordering guarantee.
		DependsOn: []string{"exercises"},
		Run: func(ctx context.Context, cancelCheck orchestrator.CancelCheck) (int, error) {
			cursor := workoutDeltaCursor{a: a}
			fetchOne := func(ctx context.Context, id string) (json.RawMessage, error) {
				var raw json.RawMessage
				err := a.client.Request(ctx, hevyclient.Request{
					Path:   "/workouts/" + id,
					Method: "GET",
					Out:    &raw,
				})
				return raw, err
			}

			imp := delta.New(delta.Config{
				Store:          a.tabularStore,
				Cursor:         cursor,
				Fetch:          fetchOne,
				Project:        projectWorkout,
				Log:            a.log.WithField("component", "delta"),
				Clock:          a.clk,
				BatchSize:      a.cfg.WorkoutBatchSize,
				InterPageDelay: a.cfg.InterPageDelay,
				MinSuccess:     a.cfg.MinSuccessCount,
				FailureRate:    a.cfg.FailureThresholdRate,
			})

			if err := a.tabularStore.SetIDColumn(ctx, "workouts", 0); err != nil {
				return 0, err
			}

			has, err := imp.HasCursor()
			if err != nil {
				return 0, err
			}

			paginationCancel := pagination.CancelCheck(cancelCheck)

			if !has {
				walkAll := func(ctx context.Context, onPage func(items []json.RawMessage) error, cc pagination.CancelCheck) error {
					fetch := pagination.NewFetcher(a.client, "/workouts", "workouts")
					_, err := pagination.Walk(ctx, fetch, pagination.Config{
						Path:           "/workouts",
						PageSize:       10,
						OnPage:         onPage,
						CancelCheck:    cc,
						MaxPages:       a.cfg.MaxPages,
						InterPageDelay: a.cfg.InterPageDelay,
						Clock:          a.clk,
					})
					return err
				}
				if err := imp.RunBootstrap(ctx, walkAll, paginationCancel); err != nil {
					return 0, err
				}
				return 0, nil
			}

			walkEvents := func(ctx context.Context, since string, cc pagination.CancelCheck) ([]delta.Event, error) {
				var events []delta.Event
				fetch := pagination.NewFetcher(a.client, "/workouts/events", "events")
				extra := make(map[string][]string)
				if since != "" {
					extra["since"] = []string{since}
				}
				_, err := pagination.Walk(ctx, fetch, pagination.Config{
					Path:           "/workouts/events",
					PageSize:       50,
					ExtraParams:    extra,
					CancelCheck:    cc,
					MaxPages:       a.cfg.MaxPages,
					InterPageDelay: a.cfg.InterPageDelay,
					Clock:          a.clk,
					OnPage: func(items []json.RawMessage) error {
						for _, item := range items {
							var e delta.Event
							if err := json.Unmarshal(item, &e); err != nil {
								continue
							}
							events = append(events, e)
						}
						return nil
					},
				})
				return events, err
			}

			if err := imp.RunDelta(ctx, walkEvents, paginationCancel); err != nil {
				return 0, err
			}
			return 0, nil
		},
	}
}

func (a *app) buildSteps() []orchestrator.Step {
	return []orchestrator.Step{
		fullSheetStep(a, "exercises", "/exercise_templates", "exercise_templates"),
		fullSheetStep(a, "routines", "/routines", "routines"),
		fullSheetStep(a, "routine_folders", "/routine_folders", "routine_folders"),
		workoutsStep(a),
	}
}
