package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/nextlevelbuilder/qbot/internal/onebot"
	"github.com/nextlevelbuilder/qbot/internal/plugin"
	"github.com/nextlevelbuilder/qbot/internal/store"
)

const defaultMaxSubscriptions = 20

var numericKeyword = regexp.MustCompile(`^\d+(\.\d+)?(元|金币|豆|积分)?$`)

const subscriptionHelp = `【订阅助手】
发送以下指令即可操作：
1. 订阅 <关键词>：关注商品
   例：订阅 抄纸
   例：订阅 0元 (智能避开 60元)
2. 取消订阅 <关键词>：取消关注
3. 我的订阅：查看列表
4. 订阅清空：清空所有
5. 订阅暂停/恢复：暂停或恢复通知`

// Matcher decides whether a keyword occurs in a message.
type Matcher func(text string) bool

// CompileKeyword builds the matcher for keyword:
//   - "re:<pattern>" is a case-insensitive regular expression;
//     an invalid pattern falls back to substring matching of the whole keyword
//   - a number with an optional unit (0元, 1.5元, 100) must not touch other digits,
//     so "0元" does not match "60元"
//   - anything else is a plain substring
func CompileKeyword(keyword string) Matcher {
	if pattern, ok := strings.CutPrefix(keyword, "re:"); ok {
		re, err := regexp.Compile("(?i)" + pattern)
		if err == nil {
			return re.MatchString
		}
		slog.Warn("subscription regex invalid, using substring", "keyword", keyword, "error", err)
	}
	if numericKeyword.MatchString(keyword) {
		return func(text string) bool { return containsIsolated(text, keyword) }
	}
	return func(text string) bool { return strings.Contains(text, keyword) }
}

// containsIsolated reports whether needle occurs in text with no digit
// immediately before or after it.
func containsIsolated(text, needle string) bool {
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], needle)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(needle)
		before, _ := utf8.DecodeLastRuneInString(text[:start])
		after, _ := utf8.DecodeRuneInString(text[end:])
		if (start == 0 || !unicode.IsDigit(before)) && (end == len(text) || !unicode.IsDigit(after)) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return false
}

type keywordEntry struct {
	match Matcher
	users map[int64]struct{}
}

// subscriptionIndex is the in-memory view of every subscription used for
// matching, kept in step with the store.
type subscriptionIndex struct {
	mu       sync.RWMutex
	keywords map[string]*keywordEntry
	paused   map[int64]struct{}
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{
		keywords: make(map[string]*keywordEntry),
		paused:   make(map[int64]struct{}),
	}
}

func (x *subscriptionIndex) add(userID int64, keyword string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.keywords[keyword]
	if !ok {
		e = &keywordEntry{match: CompileKeyword(keyword), users: make(map[int64]struct{})}
		x.keywords[keyword] = e
	}
	e.users[userID] = struct{}{}
}

func (x *subscriptionIndex) remove(userID int64, keyword string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.keywords[keyword]
	if !ok {
		return
	}
	delete(e.users, userID)
	if len(e.users) == 0 {
		delete(x.keywords, keyword)
	}
}

func (x *subscriptionIndex) clear(userID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for kw, e := range x.keywords {
		delete(e.users, userID)
		if len(e.users) == 0 {
			delete(x.keywords, kw)
		}
	}
}

func (x *subscriptionIndex) setPaused(userID int64, paused bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if paused {
		x.paused[userID] = struct{}{}
	} else {
		delete(x.paused, userID)
	}
}

func (x *subscriptionIndex) isPaused(userID int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.paused[userID]
	return ok
}

// matches returns the sorted ids of unpaused users with a keyword in text.
func (x *subscriptionIndex) matches(text string) []int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	seen := make(map[int64]struct{})
	for _, e := range x.keywords {
		if !e.match(text) {
			continue
		}
		for uid := range e.users {
			if _, paused := x.paused[uid]; !paused {
				seen[uid] = struct{}{}
			}
		}
	}
	ids := lo.Keys(seen)
	slices.Sort(ids)
	return ids
}

func (x *subscriptionIndex) size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.keywords)
}

func isSubscriptionCommand(text string) bool {
	for _, p := range []string{"订阅", "取消订阅", "我的订阅"} {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// Subscription lets users follow keywords; matching messages are pushed to
// them as private messages through the bot that saw the message.
type Subscription struct {
	*plugin.Base
	deps *Deps

	maxSubs int
	index   *subscriptionIndex
	pushes  sync.WaitGroup
}

func NewSubscription(deps *Deps) *Subscription {
	s := &Subscription{
		Base:  plugin.NewBase(NameSubscription, "1.0.0"),
		deps:  deps,
		index: newSubscriptionIndex(),
	}
	s.SetPriority(60)
	return s
}

func (s *Subscription) Name() string        { return NameSubscription }
func (s *Subscription) Version() string     { return "1.0.0" }
func (s *Subscription) Description() string { return "线报订阅：关键词订阅与私聊推送" }
func (s *Subscription) Author() string      { return author }

func (s *Subscription) store() (store.SubscriptionStore, error) {
	if s.deps.Stores == nil || s.deps.Stores.Subscriptions == nil {
		return nil, errors.New("subscription: store is not configured")
	}
	return s.deps.Stores.Subscriptions, nil
}

func (s *Subscription) OnLoad(ctx context.Context, cfg plugin.Config) error {
	subs, err := s.store()
	if err != nil {
		return err
	}
	if err := s.Base.OnLoad(ctx, cfg); err != nil {
		return err
	}
	s.maxSubs = cfg.Int("max_subscriptions", defaultMaxSubscriptions)

	all, err := subs.All(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	for _, sub := range all {
		s.index.add(sub.UserID, sub.Keyword)
		if sub.Paused {
			s.index.setPaused(sub.UserID, true)
		}
	}
	slog.Info("subscriptions loaded", "records", len(all), "keywords", s.index.size(), "max_per_user", s.maxSubs)
	return nil
}

func (s *Subscription) OnUnload(ctx context.Context) error {
	s.pushes.Wait()
	return s.Base.OnUnload(ctx)
}

func (s *Subscription) CanHandle(_ context.Context, message string, mc *plugin.Context) (bool, error) {
	if mc.IsGroup() && !s.deps.shouldRespond(mc) {
		return false, nil
	}
	text := strings.TrimSpace(message)
	if isSubscriptionCommand(text) {
		return true, nil
	}
	if mc.UserID == mc.SelfID || utf8.RuneCountInString(text) < 2 {
		return false, nil
	}
	return len(s.index.matches(stripCQ(text))) > 0, nil
}

func (s *Subscription) Handle(ctx context.Context, message string, mc *plugin.Context) (*plugin.Response, error) {
	text := strings.TrimSpace(message)
	if isSubscriptionCommand(text) {
		return s.command(ctx, text, mc.UserID)
	}
	s.push(text, mc)
	return nil, nil
}

func short(content string) *plugin.Response { return plugin.NewResponse(content).Recalled(10 * time.Second) }

func (s *Subscription) command(ctx context.Context, text string, userID int64) (*plugin.Response, error) {
	subs, err := s.store()
	if err != nil {
		return nil, err
	}

	switch text {
	case "我的订阅":
		keywords, err := subs.List(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		if len(keywords) == 0 {
			return short("当前没有订阅任何关键词。"), nil
		}
		status := ""
		if s.index.isPaused(userID) {
			status = " (已暂停)"
		}
		content := fmt.Sprintf("当前订阅 (%d/%d)%s：\n%s", len(keywords), s.maxSubs, status, strings.Join(keywords, "、"))
		return plugin.NewResponse(content).Recalled(30 * time.Second), nil

	case "订阅清空":
		n, err := subs.Clear(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("clear subscriptions: %w", err)
		}
		s.index.clear(userID)
		return short(fmt.Sprintf("已清空 %d 条订阅。", n)), nil

	case "订阅暂停", "订阅恢复":
		pause := text == "订阅暂停"
		if err := subs.SetPaused(ctx, userID, pause); err != nil {
			return nil, fmt.Errorf("set paused: %w", err)
		}
		s.index.setPaused(userID, pause)
		if pause {
			return short("已暂停订阅，发送【订阅恢复】可重新接收。"), nil
		}
		return short("已恢复订阅。"), nil
	}

	if rest, ok := strings.CutPrefix(text, "取消订阅"); ok {
		keyword := strings.TrimSpace(rest)
		if keyword == "" {
			return short("格式错误，请使用：取消订阅 关键词"), nil
		}
		removed, err := subs.Remove(ctx, userID, keyword)
		if err != nil {
			return nil, fmt.Errorf("remove subscription: %w", err)
		}
		if !removed {
			return short("未找到订阅：" + keyword), nil
		}
		s.index.remove(userID, keyword)
		return short("已取消订阅：" + keyword), nil
	}

	rest, _ := strings.CutPrefix(text, "订阅")
	keyword := strings.TrimSpace(rest)
	if keyword == "" {
		return plugin.NewResponse(subscriptionHelp).Recalled(30 * time.Second), nil
	}
	current, err := subs.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if len(current) >= s.maxSubs {
		return short(fmt.Sprintf("订阅数已达上限 (%d)，请先取消部分订阅。", s.maxSubs)), nil
	}
	added, err := subs.Add(ctx, userID, keyword)
	if err != nil {
		return nil, fmt.Errorf("add subscription: %w", err)
	}
	if !added {
		return short("已存在订阅：" + keyword), nil
	}
	s.index.add(userID, keyword)

	tip := ""
	switch {
	case numericKeyword.MatchString(keyword):
		tip = "\n(已启用数字智能匹配: 0元不会匹配60元)"
	case strings.HasPrefix(keyword, "re:"):
		tip = "\n(已启用正则匹配模式)"
	}
	return short("已订阅：" + keyword + tip), nil
}

// push delivers text to every matching subscriber except the sender.
// Delivery runs in the background so the dispatch does not wait on the
// connection's rate limiter.
func (s *Subscription) push(text string, mc *plugin.Context) {
	if mc.Conn == nil {
		slog.Warn("subscription push skipped, no connection", "self_id", mc.SelfID)
		return
	}
	targets := lo.Without(s.index.matches(stripCQ(text)), mc.UserID)
	if len(targets) == 0 {
		return
	}
	slog.Info("subscription matched", "preview", onebot.Preview(text, 20), "users", len(targets))

	conn := mc.Conn
	content := "【线报推送】\n" + text
	s.pushes.Add(1)
	go func() {
		defer s.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		for _, uid := range targets {
			err := conn.Post(ctx, onebot.ActionSendPrivateMsg, map[string]any{"user_id": uid, "message": content})
			if err != nil {
				slog.Warn("subscription push failed", "user_id", uid, "error", err)
			}
		}
	}()
}
