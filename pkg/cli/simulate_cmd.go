package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"doc-access/internal/broadcast"
	"doc-access/internal/domain"
	"doc-access/internal/service/document"
)

// delivery is what one session received for one bundle.
type delivery struct {
	Reload     bool              `json:"reload,omitempty"`
	DocActions domain.ActionList `json:"docActions,omitempty"`
	Desc       *string           `json:"desc,omitempty"`
}

type bundleOutcome struct {
	Bundle     int                 `json:"bundle"`
	Session    string              `json:"session"`
	Desc       string              `json:"desc"`
	ActionNum  int64               `json:"actionNum,omitempty"`
	Error      string              `json:"error,omitempty"`
	Deliveries map[string]delivery `json:"deliveries"`
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <scenario>",
		Short: "Apply the bundles of a scenario and show what every session receives",
		Long: `Loads the scenario into a temporary document, subscribes every session it
defines, then applies its bundles in order. For each bundle the command
prints the actions each subscribed session was sent after access filtering.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			doc, err := openScenario(ctx, args[0])
			if err != nil {
				return err
			}
			defer doc.close()

			outcomes, err := simulate(ctx, doc)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), outcomes)
			}
			return printOutcomes(cmd.OutOrStdout(), doc, outcomes)
		},
	}
}

func simulate(ctx context.Context, doc *scenarioDoc) ([]bundleOutcome, error) {
	requests, err := doc.scenario.Requests()
	if err != nil {
		return nil, err
	}
	sessions := doc.scenario.DomainSessions()
	svc := doc.app.Document

	subs := map[string]*broadcast.Subscription{}
	for _, s := range doc.scenario.Sessions {
		sub, err := svc.Subscribe(sessions[s.ID])
		if err != nil {
			return nil, err
		}
		subs[s.ID] = sub
	}
	defer func() {
		for id := range subs {
			svc.Unsubscribe(id)
		}
	}()

	outcomes := make([]bundleOutcome, 0, len(requests))
	for i, req := range requests {
		out := bundleOutcome{Bundle: i + 1, Session: req.Session, Desc: req.Desc, Deliveries: map[string]delivery{}}
		res, err := svc.Apply(ctx, sessions[req.Session], document.Request{
			UserActions: req.UserActions,
			DocActions:  req.DocActions,
			Undo:        req.Undo,
			Desc:        req.Desc,
		})
		if err != nil {
			out.Error = err.Error()
		} else {
			out.ActionNum = res.ActionNum
		}
		// Broadcasts complete before Apply returns, so every delivery is
		// already queued.
		for id, sub := range subs {
			if d, ok := drain(sub); ok {
				out.Deliveries[id] = d
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

func drain(sub *broadcast.Subscription) (delivery, bool) {
	var d delivery
	got := false
	for {
		select {
		case msg := <-sub.Messages():
			got = true
			if msg.Reload {
				d.Reload = true
				continue
			}
			d.DocActions = append(d.DocActions, msg.Update.DocActions...)
			if g := msg.Update.ActionGroup; g != nil {
				desc := g.Desc
				d.Desc = &desc
			}
		default:
			return d, got
		}
	}
}

func printOutcomes(w io.Writer, doc *scenarioDoc, outcomes []bundleOutcome) error {
	for _, out := range outcomes {
		status := fmt.Sprintf("applied as #%d", out.ActionNum)
		if out.Error != "" {
			status = "rejected: " + out.Error
		}
		_, _ = fmt.Fprintf(w, "bundle %d by %s (%s): %s\n", out.Bundle, out.Session, out.Desc, status)

		var rows [][]string
		for _, s := range doc.scenario.Sessions {
			d, ok := out.Deliveries[s.ID]
			switch {
			case !ok:
				rows = append(rows, []string{s.ID, "-", ""})
			case d.Reload:
				rows = append(rows, []string{s.ID, "reload", ""})
			default:
				if len(d.DocActions) == 0 {
					rows = append(rows, []string{s.ID, "", "(no actions)"})
				}
				for _, a := range d.DocActions {
					data, err := json.Marshal(domain.ActionTuple(a))
					if err != nil {
						return err
					}
					rows = append(rows, []string{s.ID, string(a.Kind()), string(data)})
				}
			}
		}
		printTable(w, []string{"Session", "Received", "Action"}, rows)
		_, _ = fmt.Fprintln(w)
	}
	return nil
}
