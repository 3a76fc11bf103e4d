package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ehr/redcapid/internal/domain/identity"
)

func generateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Print a fresh short id and GUID without touching REDCap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, _, err := opts.setup(cmd, false)
			if err != nil {
				return err
			}
			ids, err := svc.CreateUCSFID()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ids)
		},
	}
}

func addPatientCmd(opts *rootOptions) *cobra.Command {
	var req identity.AddPatientRequest

	cmd := &cobra.Command{
		Use:   "add-patient",
		Short: "Enroll a patient under newly issued identifiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, _, err := opts.setup(cmd, true)
			if err != nil {
				return err
			}
			enr, err := svc.AddPatient(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), enr)
		},
	}

	cmd.Flags().StringVar(&req.MRN, "mrn", "", "medical record number")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "patient first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "patient last name")
	cmd.Flags().StringVar(&req.ShortID, "ucsf-id", "", "use this short id instead of generating one")
	cmd.Flags().StringVar(&req.GUID, "ucsf-guid", "", "use this GUID instead of generating one")
	cmd.Flags().StringVar(&req.NDAGUID, "nda-guid", "", "NDA GUID to record with the demographics")
	_ = cmd.MarkFlagRequired("mrn")
	_ = cmd.MarkFlagRequired("first-name")
	_ = cmd.MarkFlagRequired("last-name")

	return cmd
}

func lookupCmd(opts *rootOptions) *cobra.Command {
	var idType string

	cmd := &cobra.Command{
		Use:   "lookup <id>",
		Short: "Resolve a subject by one of its identifiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := identity.ParseIDType(idType)
			if err != nil {
				return err
			}
			_, svc, _, err := opts.setup(cmd, true)
			if err != nil {
				return err
			}
			subj, err := svc.Lookup(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), subj)
		},
	}

	cmd.Flags().StringVar(&idType, "type", string(identity.IDTypeMRN), "identifier type: ucsf_id, ucsf_guid, nda_guid or mrn")

	return cmd
}

func pingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the REDCap project is reachable with the configured token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, _, err := opts.setup(cmd, true)
			if err != nil {
				return err
			}
			project, err := svc.Project(cmd.Context())
			if err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), project)
		},
	}
}
