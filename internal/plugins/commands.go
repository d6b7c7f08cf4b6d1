package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/nextlevelbuilder/qbot/internal/onebot"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/store"
)

var (
	cqCodeRe  = regexp.MustCompile(`\[CQ:[^\]]+\]`)
	replyRe   = regexp.MustCompile(`\[CQ:reply,id=(-?\d+)\]`)
	atRe      = regexp.MustCompile(`\[CQ:at,qq=(\d+)`)
	recallNRe = regexp.MustCompile(`^撤回\s*(\d+)$`)
	recallID  = regexp.MustCompile(`^撤回id\s*(-?\d+)$`)
	cleanDays = regexp.MustCompile(`^清理\s*(\d+)\s*天$`)
	timerRe   = regexp.MustCompile(`^定时\s*(\S+)$`)
)

const commandsHelp = `=== QBot 指令列表 ===

📌 撤回指令:
• 撤回 n - 撤回最近 n 条消息
• 撤回全部 - 撤回所有未撤回消息
• @某人 撤回 - 撤回某人的所有消息
• 引用消息 + 撤回 - 撤回被引用的消息
• 撤回id xxx - 撤回指定ID的消息

📊 数据库指令:
• 数据库统计 - 查看数据库使用情况
• 清理数据库 - 清理7天前的已撤回消息
• 清理3天 - 清理3天前的已撤回消息
• 清理全部已撤回 - 清理所有已撤回消息

⏰ 定时任务:
• 定时 n - 每隔n分钟自动撤回
• 定时关 - 关闭定时撤回

🧩 插件管理:
• 插件列表 - 查看已加载插件
• 启用插件 名称 / 禁用插件 名称 - 仅管理员

📖 其他:
• time - 显示服务器时间
• 指令 - 显示此帮助信息`

// stripCQ removes every CQ code and surrounding whitespace.
func stripCQ(s string) string {
	return strings.TrimSpace(cqCodeRe.ReplaceAllString(s, ""))
}

func isCommand(text string) bool {
	switch {
	case strings.EqualFold(text, "time"):
		return true
	case text == "指令", text == "数据库统计", text == "清理数据库", text == "清理全部已撤回", text == "插件列表":
		return true
	case strings.HasPrefix(text, "撤回"), strings.HasPrefix(text, "定时"):
		return true
	case strings.HasPrefix(text, "启用插件"), strings.HasPrefix(text, "禁用插件"):
		return true
	case cleanDays.MatchString(text):
		return true
	}
	return false
}

type groupTimer struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// Commands handles operator commands: bulk recall, archive maintenance,
// periodic recall timers and plugin administration.
type Commands struct {
	*plugin.Base
	deps *Deps

	watched   []int64
	adminOnly bool
	spacing   time.Duration
	timerUnit time.Duration
	now       func() time.Time

	mu     sync.Mutex
	timers map[int64]*groupTimer
	wg     sync.WaitGroup
}

func NewCommands(deps *Deps) *Commands {
	c := &Commands{
		Base:      plugin.NewBase(NameCommands, "1.0.0"),
		deps:      deps,
		timerUnit: time.Minute,
		now:       time.Now,
		timers:    make(map[int64]*groupTimer),
	}
	c.SetPriority(10)
	return c
}

func (c *Commands) Name() string        { return NameCommands }
func (c *Commands) Version() string     { return "1.0.0" }
func (c *Commands) Description() string { return "指令模块：处理撤回、数据库管理、定时任务等指令" }
func (c *Commands) Author() string      { return author }

func (c *Commands) OnLoad(ctx context.Context, cfg plugin.Config) error {
	if err := c.Base.OnLoad(ctx, cfg); err != nil {
		return err
	}
	c.watched = cfg.Int64s("watched_groups")
	c.adminOnly = cfg.Bool("admin_only", false)
	c.spacing = cfg.Duration("recall_spacing", 100*time.Millisecond)
	slog.Info("commands configured", "watched_groups", c.watched, "admin_only", c.adminOnly)
	return nil
}

func (c *Commands) OnUnload(ctx context.Context) error {
	c.stopTimers()
	return c.Base.OnUnload(ctx)
}

func (c *Commands) OnDisable(ctx context.Context) error {
	c.stopTimers()
	return c.Base.OnDisable(ctx)
}

func (c *Commands) CanHandle(_ context.Context, message string, mc *plugin.Context) (bool, error) {
	text := stripCQ(message)
	if !isCommand(text) {
		return false, nil
	}
	if mc.UserID != 0 && mc.UserID == mc.SelfID {
		return false, nil
	}
	if mc.IsGroup() {
		if len(c.watched) > 0 && !slices.Contains(c.watched, mc.GroupID) {
			return false, nil
		}
		return c.deps.shouldRespond(mc), nil
	}
	return true, nil
}

func (c *Commands) Handle(ctx context.Context, message string, mc *plugin.Context) (*plugin.Response, error) {
	raw := mc.RawMessage
	if raw == "" {
		raw = message
	}
	text := stripCQ(message)

	switch {
	case text == "指令":
		return plugin.NewResponse(commandsHelp).Recalled(10 * time.Second), nil
	case strings.EqualFold(text, "time"):
		return plugin.NewResponse(serverTime(c.now())), nil
	case text == "插件列表":
		return c.modules(), nil
	case strings.HasPrefix(text, "启用插件"), strings.HasPrefix(text, "禁用插件"):
		return c.toggle(ctx, text, mc), nil
	}

	if c.adminOnly && !c.deps.isAdmin(mc.UserID) {
		return reply("权限不足：该指令仅限管理员使用"), nil
	}

	switch {
	case strings.HasPrefix(text, "撤回"):
		return c.recall(ctx, text, raw, mc)
	case strings.HasPrefix(text, "定时"):
		return c.timer(text, mc), nil
	default:
		return c.database(ctx, text)
	}
}

func reply(content string) *plugin.Response {
	return plugin.NewResponse(content).Recalled(0)
}

func recallResponse(content string, ids []int64) *plugin.Response {
	return reply(content).
		WithExtra(onebot.ExtraAction, onebot.ActionRecallMessages).
		WithExtra("message_ids", ids)
}

func (c *Commands) messages() (store.MessageStore, error) {
	if c.deps.Stores == nil || c.deps.Stores.Messages == nil {
		return nil, errors.New("commands: message store is not configured")
	}
	return c.deps.Stores.Messages, nil
}

func (c *Commands) recall(ctx context.Context, text, raw string, mc *plugin.Context) (*plugin.Response, error) {
	if !mc.IsGroup() {
		return reply("私聊不支持撤回功能"), nil
	}

	if m := replyRe.FindStringSubmatch(raw); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		resp := recallResponse(fmt.Sprintf("好的，我将尝试撤回您引用的消息 (ID: %d)。", id), []int64{id})
		resp.QuotedMsgID = id
		return resp, nil
	}
	if m := recallID.FindStringSubmatch(text); m != nil {
		id, _ := strconv.ParseInt(m[1], 10, 64)
		return recallResponse(fmt.Sprintf("准备撤回消息 (ID: %d)...", id), []int64{id}), nil
	}

	messages, err := c.messages()
	if err != nil {
		return nil, err
	}

	if m := atRe.FindStringSubmatch(raw); m != nil {
		target, _ := strconv.ParseInt(m[1], 10, 64)
		if target != mc.SelfID {
			ids, err := messages.UnrecalledByUser(ctx, mc.GroupID, target, 0)
			if err != nil {
				return nil, fmt.Errorf("list messages of %d: %w", target, err)
			}
			if len(ids) == 0 {
				return reply(fmt.Sprintf("用户 %d 在本群没有可供撤回的消息", target)), nil
			}
			return recallResponse(fmt.Sprintf("准备撤回用户 %d 的所有消息（共 %d 条）...", target, len(ids)), ids), nil
		}
	}

	if text == "撤回全部" {
		ids, err := messages.Unrecalled(ctx, mc.GroupID, 0)
		if err != nil {
			return nil, fmt.Errorf("list group messages: %w", err)
		}
		if len(ids) == 0 {
			return reply("群内没有未撤回的消息"), nil
		}
		return recallResponse(fmt.Sprintf("准备撤回所有未撤回消息（共 %d 条）...", len(ids)), ids), nil
	}

	if m := recallNRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return reply("撤回数量必须大于 0"), nil
		}
		ids, err := messages.Unrecalled(ctx, mc.GroupID, n)
		if err != nil {
			return nil, fmt.Errorf("list group messages: %w", err)
		}
		if len(ids) == 0 {
			return reply("群内没有可供撤回的消息"), nil
		}
		return recallResponse(fmt.Sprintf("准备撤回最近 %d 条消息...", len(ids)), ids), nil
	}

	return reply("撤回指令格式错误，发送「指令」查看用法"), nil
}

func (c *Commands) database(ctx context.Context, text string) (*plugin.Response, error) {
	messages, err := c.messages()
	if err != nil {
		return nil, err
	}

	switch text {
	case "数据库统计":
		st, err := messages.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("database stats: %w", err)
		}
		return reply(FormatStats(st)), nil
	case "清理全部已撤回":
		n, err := messages.CleanupAllRecalled(ctx)
		if err != nil {
			return nil, fmt.Errorf("cleanup recalled: %w", err)
		}
		return reply(fmt.Sprintf("数据库清理完成：删除了 %d 条已撤回消息", n)), nil
	}

	days := 7
	if m := cleanDays.FindStringSubmatch(text); m != nil {
		days, _ = strconv.Atoi(m[1])
	}
	n, err := messages.CleanupRecalled(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("cleanup %d days: %w", days, err)
	}
	return reply(fmt.Sprintf("数据库清理完成：删除了 %d 条 %d 天前的已撤回消息", n, days)), nil
}

var weekdays = [...]string{"日", "一", "二", "三", "四", "五", "六"}

func serverTime(now time.Time) string {
	return fmt.Sprintf("🕐 当前时间\n%s\n星期%s", now.Format(time.DateTime), weekdays[now.Weekday()])
}

// FormatStats renders archive statistics for chat.
func FormatStats(st store.MessageStats) string {
	oldest := "无"
	if !st.Oldest.IsZero() {
		oldest = st.Oldest.Local().Format(time.DateTime)
	}
	return fmt.Sprintf(`📊 数据库统计信息

总消息数: %d
已撤回消息: %d
未撤回消息: %d
最早消息时间: %s
数据库大小: %.2f MB`, st.Total, st.Recalled, st.Active, oldest, float64(st.SizeBytes)/1024/1024)
}

func (c *Commands) modules() *plugin.Response {
	if c.deps.Registry == nil {
		return reply("插件管理不可用")
	}
	return reply(c.deps.Registry.ModulesInfo())
}

func (c *Commands) toggle(ctx context.Context, text string, mc *plugin.Context) *plugin.Response {
	if !c.deps.isAdmin(mc.UserID) {
		return reply("权限不足：仅管理员可以启用或禁用插件")
	}
	if c.deps.Registry == nil {
		return reply("插件管理不可用")
	}
	enable := strings.HasPrefix(text, "启用插件")
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(text, "启用插件"), "禁用插件"))
	if name == "" {
		return reply("请指定插件名称，例如：禁用插件 rebate")
	}
	if !enable && name == NameCommands {
		return reply("不能禁用指令模块自身")
	}

	var err error
	verb := "启用"
	if enable {
		err = c.deps.Registry.Enable(ctx, name)
	} else {
		verb = "禁用"
		err = c.deps.Registry.Disable(ctx, name)
	}
	if err != nil {
		slog.Warn("plugin toggle failed", "plugin", name, "enable", enable, "error", err)
		return reply(fmt.Sprintf("%s插件 %s 失败: %v", verb, name, err))
	}
	slog.Info("plugin toggled by command", "plugin", name, "enable", enable, "user_id", mc.UserID)
	return reply(fmt.Sprintf("插件 %s 已%s", name, verb))
}

func (c *Commands) timer(text string, mc *plugin.Context) *plugin.Response {
	if !mc.IsGroup() {
		return reply("私聊不支持定时撤回功能")
	}
	m := timerRe.FindStringSubmatch(text)
	if m == nil {
		return reply("定时指令格式错误，正确格式：定时 5 或 定时关")
	}
	if m[1] == "关" {
		if !c.stopTimer(mc.GroupID) {
			return reply(fmt.Sprintf("群 %d 定时撤回功能已是关闭状态", mc.GroupID))
		}
		return reply(fmt.Sprintf("群 %d 定时撤回功能已关闭", mc.GroupID))
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return reply("定时指令格式错误，正确格式：定时 5 或 定时关")
	}
	if n <= 0 {
		return reply("定时间隔必须大于 0")
	}
	c.startTimer(mc.SelfID, mc.GroupID, time.Duration(n)*c.timerUnit)
	return reply(fmt.Sprintf("群 %d 定时撤回功能已开启，每 %d 分钟撤回群内消息", mc.GroupID, n))
}

// ActiveTimers returns the recall interval of every group with a running timer.
func (c *Commands) ActiveTimers() map[int64]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.MapValues(c.timers, func(t *groupTimer, _ int64) time.Duration { return t.interval })
}

func (c *Commands) startTimer(selfID, groupID int64, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if old, ok := c.timers[groupID]; ok {
		old.cancel()
	}
	c.timers[groupID] = &groupTimer{interval: interval, cancel: cancel}
	c.mu.Unlock()

	slog.Info("recall timer started", "group_id", groupID, "self_id", selfID, "interval", interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.recallGroup(ctx, selfID, groupID)
			}
		}
	}()
}

func (c *Commands) stopTimer(groupID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[groupID]
	if !ok {
		return false
	}
	t.cancel()
	delete(c.timers, groupID)
	slog.Info("recall timer stopped", "group_id", groupID)
	return true
}

func (c *Commands) stopTimers() {
	c.mu.Lock()
	for id, t := range c.timers {
		t.cancel()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// recallGroup deletes every unrecalled archived message in groupID, oldest
// first, through the connection of selfID.
func (c *Commands) recallGroup(ctx context.Context, selfID, groupID int64) {
	messages, err := c.messages()
	if err != nil || c.deps.Presence == nil {
		return
	}
	pc, ok := c.deps.Presence.Conn(selfID)
	if !ok {
		slog.Debug("recall timer skipped, bot offline", "self_id", selfID, "group_id", groupID)
		return
	}
	conn, ok := pc.(plugin.Transport)
	if !ok {
		return
	}
	ids, err := messages.Unrecalled(ctx, groupID, 0)
	if err != nil {
		slog.Warn("recall timer list failed", "group_id", groupID, "error", err)
		return
	}
	done := 0
	for i, id := range lo.Reverse(ids) {
		if i > 0 && c.spacing > 0 {
			select {
			case <-time.After(c.spacing):
			case <-ctx.Done():
				return
			}
		}
		if err := onebot.Recall(ctx, conn, id); err != nil {
			slog.Warn("timed recall failed", "group_id", groupID, "message_id", id, "error", err)
			continue
		}
		if err := messages.MarkRecalled(ctx, groupID, 0, id); err != nil {
			slog.Warn("mark recalled failed", "message_id", id, "error", err)
		}
		done++
	}
	slog.Info("timed recall finished", "group_id", groupID, "requested", len(ids), "recalled", done)
}
