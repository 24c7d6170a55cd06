package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lotline/lotline/internal/ident"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Record process work on units",
}

var processStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start work on a unit",
	Long:  `Records a process start. With --line and --model a new lot is created and its first unit started; with --lot the lot's next unit is started; with --serial an existing unit re-enters work.`,
	RunE:  runProcessStart,
}

var processCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Record a process result for a unit",
	RunE:  runProcessComplete,
}

var processReworkCmd = &cobra.Command{
	Use:   "rework [serial-number]",
	Short: "Send a failed unit back into work",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcessRework,
}

var (
	startLot     string
	startSerial  string
	startLine    string
	startModel   string
	startDate    string
	startTarget  int
	processID    int
	equipmentID  string
	workerID     string
	compSerial   string
	compResult   string
	compMeasures []string
	compDefects  []string
)

func init() {
	processCmd.AddCommand(processStartCmd, processCompleteCmd, processReworkCmd)

	hostname, _ := os.Hostname()
	defaultWorker := fmt.Sprintf("cli@%s", hostname)

	processStartCmd.Flags().StringVar(&startLot, "lot", "", "Existing lot number")
	processStartCmd.Flags().StringVar(&startSerial, "serial", "", "Existing serial number")
	processStartCmd.Flags().StringVar(&startLine, "line", "", "Line code for a new lot (2 chars)")
	processStartCmd.Flags().StringVar(&startModel, "model", "", "Model code for a new lot (3 chars)")
	processStartCmd.Flags().StringVar(&startDate, "date", "", "Production date for a new lot (YYYY-MM-DD)")
	processStartCmd.Flags().IntVar(&startTarget, "target", 0, "Target quantity for a new lot")
	processStartCmd.Flags().IntVar(&processID, "process", 0, "Process ID (required)")
	processStartCmd.Flags().StringVar(&equipmentID, "equipment", "", "Equipment ID")
	processStartCmd.Flags().StringVar(&workerID, "worker", defaultWorker, "Worker ID")
	processStartCmd.MarkFlagRequired("process")

	processCompleteCmd.Flags().StringVar(&compSerial, "serial", "", "Serial number (required)")
	processCompleteCmd.Flags().IntVar(&processID, "process", 0, "Process ID (required)")
	processCompleteCmd.Flags().StringVar(&compResult, "result", "", "Result: PASS or FAIL (required)")
	processCompleteCmd.Flags().StringArrayVar(&compMeasures, "measure", nil, "Measurement as name=value (repeatable)")
	processCompleteCmd.Flags().StringArrayVar(&compDefects, "defect", nil, "Defect code, required with FAIL (repeatable)")
	processCompleteCmd.Flags().StringVar(&workerID, "worker", defaultWorker, "Worker ID")
	processCompleteCmd.MarkFlagRequired("serial")
	processCompleteCmd.MarkFlagRequired("process")
	processCompleteCmd.MarkFlagRequired("result")

	processReworkCmd.Flags().IntVar(&processID, "process", 0, "Process ID (required)")
	processReworkCmd.Flags().StringVar(&workerID, "worker", defaultWorker, "Worker ID")
	processReworkCmd.MarkFlagRequired("process")
}

func runProcessStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"process_id":      processID,
		"worker_id":       workerID,
		"idempotency_key": uuid.New().String(),
	}
	if equipmentID != "" {
		body["equipment_id"] = equipmentID
	}

	switch {
	case startLine != "" || startModel != "":
		if startLine == "" || startModel == "" || startDate == "" || startTarget == 0 {
			return fmt.Errorf("a new lot needs --line, --model, --date and --target")
		}
		body["new_lot"] = map[string]interface{}{
			"line_code":       startLine,
			"model_code":      startModel,
			"production_date": startDate,
			"target_quantity": startTarget,
		}
	case startSerial != "":
		lot := startLot
		if lot == "" {
			parsed, _, err := ident.ParseSerialNumber(startSerial)
			if err != nil {
				return err
			}
			lot = parsed
		}
		body["lot_number"] = lot
		body["serial_number"] = startSerial
	case startLot != "":
		body["lot_number"] = startLot
	default:
		return fmt.Errorf("need --lot, --serial, or a new-lot spec (--line/--model/--date/--target)")
	}

	client, _, err := newEventClient(cfg)
	if err != nil {
		return err
	}

	res, err := client.Send("process.start", "/process/start", body)
	if err != nil {
		return err
	}
	if res.Queued {
		fmt.Println("Server unreachable, start queued for delivery")
		return nil
	}
	return printVerdict(res.Body)
}

func runProcessComplete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	result := strings.ToUpper(compResult)
	if result != "PASS" && result != "FAIL" {
		return fmt.Errorf("--result must be PASS or FAIL")
	}
	if result == "FAIL" && len(compDefects) == 0 {
		return fmt.Errorf("a FAIL needs at least one --defect")
	}
	if result == "PASS" && len(compDefects) > 0 {
		return fmt.Errorf("--defect is only valid with FAIL")
	}

	measurements, err := parseMeasurements(compMeasures)
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"serial_number":   compSerial,
		"process_id":      processID,
		"result":          result,
		"worker_id":       workerID,
		"idempotency_key": uuid.New().String(),
	}
	if len(measurements) > 0 {
		body["measurements"] = measurements
	}
	if len(compDefects) > 0 {
		body["defects"] = compDefects
	}

	client, _, err := newEventClient(cfg)
	if err != nil {
		return err
	}

	res, err := client.Send("process.complete", "/process/complete", body)
	if err != nil {
		return err
	}
	if res.Queued {
		fmt.Println("Server unreachable, result queued for delivery")
		return nil
	}
	return printVerdict(res.Body)
}

func runProcessRework(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	body := map[string]interface{}{
		"serial_number":   args[0],
		"process_id":      processID,
		"result":          "REWORK",
		"worker_id":       workerID,
		"idempotency_key": uuid.New().String(),
	}

	client, _, err := newEventClient(cfg)
	if err != nil {
		return err
	}

	res, err := client.Send("process.complete", "/process/complete", body)
	if err != nil {
		return err
	}
	if res.Queued {
		fmt.Println("Server unreachable, rework queued for delivery")
		return nil
	}
	return printVerdict(res.Body)
}

func parseMeasurements(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("measurement %q must be name=value", p)
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("measurement %q has a non-numeric value", p)
		}
		m[name] = f
	}
	return m, nil
}
