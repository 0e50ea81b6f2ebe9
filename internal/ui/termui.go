package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

const maxLogLines = 50

// Стили UI
var (
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("#222222"))
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// CycleSource результаты торгового цикла
type CycleSource interface {
	Ranked() []models.Opportunity
	LastReport() (models.CycleReport, bool)
}

// PositionReader чтение открытых позиций
type PositionReader interface {
	Snapshot() []models.Position
}

// TermUI терминальный интерфейс: кандидаты, позиции, отчет цикла и хвост JSON-лога
type TermUI struct {
	config    config.UIConfig
	source    CycleSource
	positions PositionReader
	logFile   string
	now       func() time.Time
}

type tickMsg time.Time

// bubbleModel модель для bubbletea. Все поля меняются только в Update.
type bubbleModel struct {
	ui            *TermUI
	opportunities []models.Opportunity
	positions     []models.Position
	report        models.CycleReport
	hasReport     bool
	logs          []string
	selectedIndex int
	width         int
	height        int
}

// NewTermUI создает терминальный интерфейс
func NewTermUI(cfg config.UIConfig, logFile string, source CycleSource, positions PositionReader) *TermUI {
	return &TermUI{
		config:    cfg,
		source:    source,
		positions: positions,
		logFile:   logFile,
		now:       time.Now,
	}
}

// Run показывает интерфейс до нажатия Q или отмены контекста
func (ui *TermUI) Run(ctx context.Context) error {
	model := bubbleModel{
		ui:     ui,
		logs:   []string{"BFAT запущен. Ожидание первого цикла..."},
		width:  120,
		height: 40,
	}
	model.refresh()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

func (ui *TermUI) refreshInterval() time.Duration {
	if ui.config.RefreshRate <= 0 {
		return time.Second
	}
	return time.Duration(ui.config.RefreshRate) * time.Millisecond
}

func (m *bubbleModel) refresh() {
	m.opportunities = m.ui.source.Ranked()
	m.positions = m.ui.positions.Snapshot()
	m.report, m.hasReport = m.ui.source.LastReport()

	if logs, err := readLogTail(m.ui.logFile, maxLogLines); err != nil {
		m.logs = append(m.logs, fmt.Sprintf("Ошибка загрузки логов: %v", err))
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}
	} else if len(logs) > 0 {
		m.logs = logs
	}

	m.selectedIndex = min(m.selectedIndex, max(len(m.opportunities)-1, 0))
}

func (m bubbleModel) tick() tea.Cmd {
	return tea.Tick(m.ui.refreshInterval(), func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.tick()
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.selectedIndex = max(0, m.selectedIndex-1)
		case "down":
			m.selectedIndex = min(max(len(m.opportunities)-1, 0), m.selectedIndex+1)
		case "r":
			m.refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, m.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	title := titleStyle.Render("BFAT - Binance Futures Auto Trader")
	footer := footerStyle.Render("Клавиши: ↑/↓ - навигация, R - обновить, Q - выход")

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			renderReport(m.report, m.hasReport),
			renderOpportunities(m.opportunities, m.selectedIndex),
			renderPositions(m.positions, m.ui.now()),
			renderLogsSection(m.logs, logsToShow(m.height)),
			footer,
		),
	)
}

// logsToShow сколько строк лога помещается под остальными секциями
func logsToShow(height int) int {
	return min(max(height-30, 6), maxLogLines)
}

func renderReport(report models.CycleReport, ok bool) string {
	if !ok {
		return footerStyle.Render("Цикл еще не выполнялся")
	}
	return footerStyle.Render(fmt.Sprintf(
		"Цикл %s (%s): символов %d, проанализировано %d, ошибок %d, кандидатов %d, открыто %d, закрыто %d",
		report.Started.Format("15:04:05"), report.Duration.Round(time.Millisecond),
		report.Universe, report.Analyzed, report.Failed, report.Candidates, report.Opened, report.Closed))
}

func renderOpportunities(opps []models.Opportunity, selectedIndex int) string {
	header := headerStyle.Render("КАНДИДАТЫ")
	content := strings.Builder{}

	if len(opps) == 0 {
		content.WriteString("  Ожидание данных...\n")
	}
	for i, opp := range opps {
		line := fmt.Sprintf("  %-14s %s скор %.1f (тех. %.1f) %s/%s цена %.6g ATR %.4g",
			opp.Symbol, directionText(opp.Direction, opp.Entry.Signal.Category),
			opp.Score, opp.TechnicalScore, opp.Entry.Interval, opp.Trend.Interval, opp.Price, opp.ATR)
		if opp.Advisory != nil {
			line += fmt.Sprintf(" AI %s %.0f%%", opp.Advisory.Recommendation, opp.Advisory.Confidence)
		}

		if i == selectedIndex {
			line = selectedStyle.Render("> " + line[2:])
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

func renderPositions(positions []models.Position, now time.Time) string {
	header := headerStyle.Render("ПОЗИЦИИ")
	content := strings.Builder{}

	if len(positions) == 0 {
		content.WriteString("  Нет открытых позиций\n")
	}
	for _, p := range positions {
		trailing := "-"
		if p.TrailingStop != nil {
			trailing = fmt.Sprintf("%.6g", *p.TrailingStop)
		}
		line := fmt.Sprintf("  %-14s %s x%d вход %.6g SL %.6g TP %.6g трейлинг %s возраст %s",
			p.Symbol, directionText(p.Side, ""), p.Leverage, p.EntryPrice, p.StopLoss, p.TakeProfit,
			trailing, now.Sub(p.OpenedAt).Truncate(time.Second))
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

func directionText(direction models.Direction, category models.SignalCategory) string {
	style := lipgloss.NewStyle().Foreground(warningColor)
	switch direction {
	case models.Long:
		style = lipgloss.NewStyle().Foreground(successColor)
	case models.Short:
		style = lipgloss.NewStyle().Foreground(errorColor)
	}
	if category.IsStrong() {
		style = style.Bold(true)
	}
	return style.Render(string(direction))
}

func renderLogsSection(logs []string, limit int) string {
	header := headerStyle.Render("ЛОГИ")
	content := strings.Builder{}

	start := max(len(logs)-limit, 0)
	for _, log := range logs[start:] {
		switch {
		case strings.Contains(log, "[ERROR]"):
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		case strings.Contains(log, "[INFO]"):
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		case strings.Contains(log, "[WARN]"):
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		case strings.Contains(log, "[DEBUG]"):
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}
		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

// readLogTail читает последние limit строк JSON-лога. Отсутствующий файл не ошибка.
func readLogTail(path string, limit int) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var logs []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > limit {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// formatLogLine превращает JSON-запись zap в строку "[время] [уровень] сообщение (поле: значение)"
func formatLogLine(line string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}

	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		formatted += fmt.Sprintf(" (%s: %v)", k, entry[k])
	}
	return formatted
}
