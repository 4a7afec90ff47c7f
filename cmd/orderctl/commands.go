package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/internal/fhir/mapper"
	"github.com/drfirst/go-orderwidget/internal/render"
)

func (a *app) renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the render plan for a payload or a stored patient history",
		Long: `render prints the sections the widget would show.

With --payload the plan comes from the configuration payload. Otherwise
--sqlite, --patient and --concept select a stored history, rendered in
--mode for --encounter.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			asOf, err := a.asOf()
			if err != nil {
				return err
			}

			var plan order.Plan
			if a.v.GetString("payload") != "" {
				svc, err := a.service(nil)
				if err != nil {
					return err
				}
				cfg, err := a.loadPayload(ctx, svc)
				if err != nil {
					return err
				}
				plan = svc.Plan(ctx, cfg, asOf)
			} else {
				store, err := a.openHistory()
				if err != nil {
					return err
				}
				defer store.Close()
				svc, err := a.service(store)
				if err != nil {
					return err
				}
				plan, err = svc.PatientPlan(ctx, render.PatientQuery{
					PatientID:   a.v.GetString("patient"),
					ConceptID:   a.v.GetString("concept"),
					EncounterID: a.v.GetString("encounter"),
					Mode:        order.Mode(a.v.GetString("mode")),
					AsOf:        asOf,
				})
				if err != nil {
					return err
				}
			}

			if a.v.GetBool("fhir") {
				return printJSON(cmd.OutOrStdout(), mapper.NewOrderMapper(a.v.GetString("patient")).SearchSet(plan))
			}
			return printJSON(cmd.OutOrStdout(), plan)
		},
	}
	cmd.Flags().String("encounter", "", "current encounter id for SQLite history")
	cmd.Flags().String("mode", string(order.ModeEdit), "widget mode for SQLite history (VIEW, ENTRY, EDIT)")
	cmd.Flags().Bool("fhir", false, "print a FHIR MedicationRequest bundle")
	return cmd
}

func (a *app) orderablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orderables",
		Short: "Print the orderable views of a payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			asOf, err := a.asOf()
			if err != nil {
				return err
			}
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			cfg, err := a.loadPayload(ctx, svc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), svc.Orderables(ctx, cfg, asOf))
		},
	}
}

func (a *app) actionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Print the actions offered for one order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			orderID := a.v.GetString("order")
			if orderID == "" {
				return errors.New("--order is required")
			}
			asOf, err := a.asOf()
			if err != nil {
				return err
			}
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			cfg, err := a.loadPayload(ctx, svc)
			if err != nil {
				return err
			}
			res, err := svc.Actions(ctx, cfg, asOf, orderID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("order", "", "order id")
	return cmd
}

func (a *app) diagnoseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Report history defects in a payload or a stored patient history",
		Long: `diagnose reports duplicate order ids, dangling previous-order references,
revision cycles and unreadable dates.

With --payload the payload history and orderables are checked. Otherwise
every orderable stored for --patient in --sqlite is checked, or just
--concept when given. The exit status is non-zero when anything is found
and --strict is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := a.service(nil)
			if err != nil {
				return err
			}

			var diags []order.Diagnostic
			if a.v.GetString("payload") != "" {
				cfg, err := a.loadPayload(ctx, svc)
				if err != nil {
					return err
				}
				diags = svc.Diagnose(ctx, cfg)
			} else {
				store, err := a.openHistory()
				if err != nil {
					return err
				}
				defer store.Close()

				patient := a.v.GetString("patient")
				concepts := []string{a.v.GetString("concept")}
				if concepts[0] == "" {
					if concepts, err = store.Concepts(ctx, patient); err != nil {
						return err
					}
				}
				diags = []order.Diagnostic{}
				for _, c := range concepts {
					history, err := store.History(ctx, patient, c)
					if err != nil {
						return err
					}
					diags = append(diags, svc.Diagnose(ctx, &order.Config{History: history})...)
				}
			}

			if err := printJSON(cmd.OutOrStdout(), diags); err != nil {
				return err
			}
			if a.v.GetBool("strict") && len(diags) > 0 {
				return fmt.Errorf("%d diagnostics", len(diags))
			}
			return nil
		},
	}
	cmd.Flags().Bool("strict", false, "fail when any diagnostic is reported")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Store the histories of a payload in a SQLite file",
		Long: `import appends the payload history and every orderable history to --sqlite
under --patient. Payload history records are filed under --concept when
given, otherwise under each record's concept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			patient := a.v.GetString("patient")
			if patient == "" {
				return errors.New("--patient is required")
			}
			svc, err := a.service(nil)
			if err != nil {
				return err
			}
			cfg, err := a.loadPayload(ctx, svc)
			if err != nil {
				return err
			}
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			defer store.Close()

			byConcept := map[string]order.History{}
			var concepts []string
			add := func(concept string, records ...order.Record) {
				if _, ok := byConcept[concept]; !ok {
					concepts = append(concepts, concept)
				}
				byConcept[concept] = append(byConcept[concept], records...)
			}
			for _, r := range cfg.History {
				concept := a.v.GetString("concept")
				if concept == "" {
					concept = r.Concept.Value
				}
				add(concept, r)
			}
			for _, o := range cfg.Orderables {
				add(o.ConceptID, o.History...)
			}

			imported := 0
			for _, c := range concepts {
				if c == "" {
					return errors.New("history record without a concept; pass --concept")
				}
				if err := store.Append(ctx, patient, c, byConcept[c]...); err != nil {
					return err
				}
				imported += len(byConcept[c])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records for %d orderables\n", imported, len(concepts))
			return nil
		},
	}
}
