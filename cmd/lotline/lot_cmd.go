package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var lotCmd = &cobra.Command{
	Use:   "lot",
	Short: "Manage production lots",
}

var lotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new lot without starting a unit",
	RunE:  runLotCreate,
}

var lotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lots",
	RunE:  runLotList,
}

var lotShowCmd = &cobra.Command{
	Use:   "show [lot-number]",
	Short: "Show lot details and its units",
	Args:  cobra.ExactArgs(1),
	RunE:  runLotShow,
}

var lotCloseCmd = &cobra.Command{
	Use:   "close [lot-number]",
	Short: "Close a lot (terminal)",
	Args:  cobra.ExactArgs(1),
	RunE:  runLotClose,
}

var (
	lotLine   string
	lotModel  string
	lotDate   string
	lotTarget int
)

func init() {
	lotCmd.AddCommand(lotCreateCmd, lotListCmd, lotShowCmd, lotCloseCmd)

	lotCreateCmd.Flags().StringVar(&lotLine, "line", "", "Line code (2 chars, required)")
	lotCreateCmd.Flags().StringVar(&lotModel, "model", "", "Model code (3 chars, required)")
	lotCreateCmd.Flags().StringVar(&lotDate, "date", "", "Production date YYYY-MM-DD (required)")
	lotCreateCmd.Flags().IntVar(&lotTarget, "target", 0, "Target quantity (required)")
	lotCreateCmd.MarkFlagRequired("line")
	lotCreateCmd.MarkFlagRequired("model")
	lotCreateCmd.MarkFlagRequired("date")
	lotCreateCmd.MarkFlagRequired("target")
}

func runLotCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"line_code":       lotLine,
		"model_code":      lotModel,
		"production_date": lotDate,
		"target_quantity": lotTarget,
	}

	resp, err := apiPost(cfg, "/lots", body)
	if err != nil {
		return err
	}

	var lot map[string]interface{}
	if err := json.Unmarshal(resp, &lot); err != nil {
		return err
	}

	fmt.Printf("Created lot: %s\n", lot["lot_number"])
	return nil
}

func runLotList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiGet(cfg, "/lots")
	if err != nil {
		return err
	}

	var lots []map[string]interface{}
	if err := json.Unmarshal(resp, &lots); err != nil {
		return err
	}

	if len(lots) == 0 {
		fmt.Println("No lots found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOT NUMBER\tSTATUS\tTARGET\tACTUAL\tPASSED\tFAILED")
	for _, l := range lots {
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.0f\t%.0f\t%.0f\n",
			l["lot_number"], l["status"],
			num(l["target_quantity"]), num(l["actual_quantity"]),
			num(l["passed_quantity"]), num(l["failed_quantity"]))
	}
	w.Flush()
	return nil
}

func runLotShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiGet(cfg, "/lots/"+args[0])
	if err != nil {
		return err
	}

	var lot map[string]interface{}
	if err := json.Unmarshal(resp, &lot); err != nil {
		return err
	}

	fmt.Printf("Lot Number: %s\n", lot["lot_number"])
	fmt.Printf("Status:     %s\n", lot["status"])
	fmt.Printf("Line/Model: %s / %s\n", lot["line_code"], lot["model_code"])
	fmt.Printf("Target:     %.0f\n", num(lot["target_quantity"]))
	fmt.Printf("Actual:     %.0f\n", num(lot["actual_quantity"]))
	fmt.Printf("Passed:     %.0f\n", num(lot["passed_quantity"]))
	fmt.Printf("Failed:     %.0f\n", num(lot["failed_quantity"]))
	fmt.Printf("Created:    %s\n", lot["created_at"])

	serials, err := apiGet(cfg, "/lots/"+args[0]+"/serials")
	if err != nil {
		return err
	}
	var units []map[string]interface{}
	if err := json.Unmarshal(serials, &units); err != nil {
		return err
	}
	if len(units) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSTATUS\tREWORKS\tFAILURE")
	for _, u := range units {
		failure := ""
		if f, ok := u["failure_reason"].(string); ok {
			failure = truncate(f, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%s\n",
			u["serial_number"], u["status"], num(u["rework_count"]), failure)
	}
	w.Flush()
	return nil
}

func runLotClose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiPost(cfg, "/lots/"+args[0]+"/close", nil)
	if err != nil {
		return err
	}

	var lot map[string]interface{}
	if err := json.Unmarshal(resp, &lot); err != nil {
		return err
	}

	fmt.Printf("Closed lot %s\n", lot["lot_number"])
	return nil
}

// num reads a JSON number field that may be absent.
func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
