package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"missionmesh/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type missionList struct {
	Active   []domain.Mission       `json:"active"`
	Archived []domain.MissionRecord `json:"archived"`
}

// missionRow is one table line, built from either an active mission or an
// archived record.
type missionRow struct {
	ID        string
	Status    string
	Priority  string
	UpdatedAt time.Time
	Goal      string
	Steps     string
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8093", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start orchestrator in the same monitor process lifecycle")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedOrchestrator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	missionsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	missionsTable.SetTitle("Missions (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	stepsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	stepsView.SetTitle("Steps").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	fleetView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	fleetView.SetTitle("Fleet").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Goal -> Orchestrator: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit mission")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus goal, Ctrl+T focus missions",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(stepsView, 0, 2, false).
		AddItem(fleetView, 10, 0, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(missionsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedMissionID string
	var lastRows []missionRow
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshMissions := func() {
		list, err := c.listMissions()
		if err != nil {
			app.QueueUpdateDraw(func() {
				missionsTable.Clear()
				missionsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		rows := buildMissionRows(list)
		lastRows = rows
		app.QueueUpdateDraw(func() {
			renderMissionsTable(missionsTable, rows, selectedMissionID)
		})
	}

	refreshFleet := func() {
		report, reportErr := c.getStatus()
		workers, workersErr := c.listWorkers()
		app.QueueUpdateDraw(func() {
			if reportErr != nil {
				fleetView.SetText(fmt.Sprintf("error: %v", reportErr))
				return
			}
			fleetView.SetText(renderFleet(report, workers, workersErr))
		})
	}

	refreshDetailsAsync := func(missionID string) {
		if strings.TrimSpace(missionID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			stepsView.SetText("Loading...")
			decisionsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			mission, _, missionErr := c.getMission(selected)
			decisions, decisionsErr := c.listMissionDecisions(selected, 250)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedMissionID {
					return
				}
				if missionErr != nil {
					stepsView.SetText(fmt.Sprintf("error: %v", missionErr))
				} else {
					stepsView.SetText(renderSteps(mission))
				}
				if decisionsErr != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionsErr))
				} else {
					decisionsView.SetText(renderDecisions(decisions))
				}
			})
		}(missionID, version)
	}

	submitGoal := func(goal string) {
		goal = strings.TrimSpace(goal)
		if goal == "" {
			return
		}
		setStatusUI("Submitting mission...")
		promptInput.SetText("")
		go func(input string) {
			missionID, err := c.submitMission(input)
			if err != nil {
				setStatusAsync("Failed to submit mission: " + err.Error())
				return
			}
			selectedMissionID = missionID
			refreshMissions()
			refreshDetailsAsync(selectedMissionID)
			setStatusAsync("Mission submitted: " + missionID)
		}(goal)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitGoal(promptInput.GetText())
	})

	missionsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRows) {
			return
		}
		selectedMissionID = lastRows[row-1].ID
		refreshDetailsAsync(selectedMissionID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(missionsTable)
				setStatusUI("Focus -> missions")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(missionsTable)
			setStatusUI("Focus -> missions")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshMissions()
			refreshFleet()
			refreshDetailsAsync(selectedMissionID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> goal")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(missionsTable)
			setStatusUI("Focus -> missions")
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			app.SetFocus(promptInput)
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshMissions()
		refreshFleet()
		for _, row := range lastRows {
			if row.Status == string(domain.MissionExecuting) || row.Status == string(domain.MissionPlanning) {
				selectedMissionID = row.ID
				break
			}
		}
		if selectedMissionID != "" {
			refreshDetailsAsync(selectedMissionID)
		}

		for range ticker.C {
			refreshMissions()
			refreshFleet()
			if selectedMissionID == "" && len(lastRows) > 0 {
				selectedMissionID = lastRows[0].ID
			}
			refreshDetailsAsync(selectedMissionID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, "--addr", addrArg, "--db", dbPath)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, "--addr", addrArg, "--db", dbPath)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", "run", "./cmd/orchestrator", "--addr", addrArg, "--db", dbPath)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}

	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func buildMissionRows(list missionList) []missionRow {
	rows := make([]missionRow, 0, len(list.Active)+len(list.Archived))
	for _, m := range list.Active {
		done := 0
		for _, step := range m.Steps {
			if step.Status == domain.StepCompleted {
				done++
			}
		}
		rows = append(rows, missionRow{
			ID:        m.ID,
			Status:    string(m.Status),
			Priority:  m.Priority.String(),
			UpdatedAt: m.UpdatedAt,
			Goal:      m.Goal,
			Steps:     fmt.Sprintf("%d/%d", done, len(m.Steps)),
		})
	}
	for _, rec := range list.Archived {
		rows = append(rows, missionRow{
			ID:        rec.ID,
			Status:    string(rec.Status),
			Priority:  rec.Priority.String(),
			UpdatedAt: rec.CompletedAt,
			Goal:      rec.Goal,
			Steps:     fmt.Sprintf("%d/%d", rec.StepsCompleted, rec.StepsTotal),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
	})
	return rows
}

func renderMissionsTable(table *tview.Table, rows []missionRow, selectedMissionID string) {
	table.Clear()
	headers := []string{"Mission", "Status", "Priority", "Steps", "Updated", "Goal"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, row := range rows {
		r := i + 1
		table.SetCell(r, 0, tview.NewTableCell(shortID(row.ID)))
		table.SetCell(r, 1, tview.NewTableCell(row.Status))
		table.SetCell(r, 2, tview.NewTableCell(row.Priority))
		table.SetCell(r, 3, tview.NewTableCell(row.Steps))
		table.SetCell(r, 4, tview.NewTableCell(row.UpdatedAt.Format("15:04:05")))
		table.SetCell(r, 5, tview.NewTableCell(trimLine(row.Goal, 56)))
		if row.ID == selectedMissionID {
			table.Select(r, 0)
		}
	}
}

func renderSteps(mission domain.Mission) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Mission: %s  status=%s priority=%s\n", shortID(mission.ID), mission.Status, mission.Priority))
	b.WriteString("Goal: " + trimLine(mission.Goal, 100) + "\n\n")
	if len(mission.Steps) == 0 {
		b.WriteString("No steps yet")
		return b.String()
	}
	for _, step := range mission.Steps {
		b.WriteString(fmt.Sprintf(
			"%2d %-10s target=%-12s attempts=%d/%d  %s\n",
			step.Index,
			step.Status,
			step.Target,
			step.Attempts,
			step.MaxAttempts,
			trimLine(step.Description, 48),
		))
		if step.Error != "" {
			b.WriteString("   error: " + trimLine(step.Error, 100) + "\n")
		}
	}
	return b.String()
}

func renderDecisions(items []domain.DecisionLog) string {
	if len(items) == 0 {
		return "No decisions"
	}
	var b strings.Builder
	for _, d := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n  reason: %s\n",
			d.CreatedAt.Format("15:04:05"),
			d.Actor,
			d.Action,
			trimLine(d.Reason, 100),
		))
		if detail := decisionPayloadSummary(d.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderFleet(report domain.StatusReport, workers []domain.WorkerInfo, workersErr error) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(
		"missions total=%d ok=%d failed=%d active=%d avg_ms=%.0f avg_steps=%.1f\n",
		report.MissionsTotal,
		report.MissionsSucceeded,
		report.MissionsFailed,
		report.ActiveMissions,
		report.AvgDurationMS,
		report.AvgSteps,
	))
	if workersErr != nil {
		b.WriteString(fmt.Sprintf("workers error: %v\n", workersErr))
		return b.String()
	}
	for _, w := range workers {
		rate := "-"
		if v, ok := report.WorkerSuccessRates[w.ID]; ok {
			rate = fmt.Sprintf("%.0f%%", v*100)
		}
		b.WriteString(fmt.Sprintf(
			"%-14s status=%-12s rate=%-5s caps=%s\n",
			w.ID, w.Status, rate, strings.Join(w.Capabilities, ","),
		))
	}
	return b.String()
}

func decisionPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func (c *client) submitMission(goal string) (string, error) {
	var mission domain.Mission
	if err := c.postJSON("/missions", map[string]any{"goal": goal}, &mission); err != nil {
		return "", err
	}
	return mission.ID, nil
}

func (c *client) listMissions() (missionList, error) {
	var out missionList
	if err := c.getJSON("/missions", &out); err != nil {
		return missionList{}, err
	}
	return out, nil
}

func (c *client) getMission(missionID string) (domain.Mission, bool, error) {
	var out struct {
		Mission domain.Mission `json:"mission"`
		Active  bool           `json:"active"`
	}
	if err := c.getJSON("/missions/"+missionID, &out); err != nil {
		return domain.Mission{}, false, err
	}
	return out.Mission, out.Active, nil
}

func (c *client) listMissionDecisions(missionID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/missions/%s/decisions?limit=%d", missionID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getStatus() (domain.StatusReport, error) {
	var out domain.StatusReport
	if err := c.getJSON("/status", &out); err != nil {
		return domain.StatusReport{}, err
	}
	return out, nil
}

func (c *client) listWorkers() ([]domain.WorkerInfo, error) {
	var out []domain.WorkerInfo
	if err := c.getJSON("/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
