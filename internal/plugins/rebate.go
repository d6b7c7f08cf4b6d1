package plugins

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nextlevelbuilder/qbot/internal/plugin"
)

var (
	taobaoRe = regexp.MustCompile(
		`(https?://[^\s<>\["]*(?:taobao\.|tb\.)[^\s<>\["]+)|` +
			`(?:￥|\$)([0-9A-Za-z()]*[A-Za-z][0-9A-Za-z()]{10})(?:￥|\$)?|` +
			`([0-9]\$[0-9a-zA-Z]+\$:// [A-Z0-9]+)|` +
			`tk=([0-9A-Za-z]{11,12})|` +
			`\(([0-9A-Za-z]{11})\)|` +
			`₤([0-9A-Za-z]{13})₤|` +
			`[0-9]{2}₤([0-9A-Za-z]{11})£`)

	// A ￥code￥ followed by MF/CA digits is a JD share code, not Taobao.
	jdSuffixRe = regexp.MustCompile(`^\s*(?:MF|CA)[0-9]+`)

	jingdongRe = regexp.MustCompile(
		`https?://[^\s<>\["]*(?:3\.cn|jd\.|jingxi)[^\s<>\["]+|` +
			`(?:￥|！|\$)[0-9A-Za-z()]+(?:￥|！|\$)\s*(?:MF|CA)[0-9]+`)
)

const taobaoCodeGroup = 2

// TaobaoTokens returns every Taobao link or share code in text, in order.
func TaobaoTokens(text string) []string {
	var out []string
	for _, m := range taobaoRe.FindAllStringSubmatchIndex(text, -1) {
		for g := 1; g*2 < len(m); g++ {
			start, end := m[g*2], m[g*2+1]
			if start < 0 {
				continue
			}
			if g == taobaoCodeGroup && !standaloneCode(text[m[1]:]) {
				break
			}
			out = append(out, text[start:end])
			break
		}
	}
	return out
}

func standaloneCode(rest string) bool {
	if jdSuffixRe.MatchString(rest) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return rest == "" || !(r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

// JingdongTokens returns every JD link or share code in text, in order.
func JingdongTokens(text string) []string {
	return jingdongRe.FindAllString(text, -1)
}

// linkText replaces CQ codes with spaces so a link followed by an image
// code ends at the link.
func linkText(s string) string {
	return cqCodeRe.ReplaceAllString(s, " ")
}

type commissionRules struct {
	adminUsers  []int64
	adminGroups []int64
}

// show reports whether commission is shown: in private chats to admins, in
// groups only inside admin groups.
func (r commissionRules) show(userID, groupID int64) bool {
	if groupID == 0 {
		return slices.Contains(r.adminUsers, userID)
	}
	return slices.Contains(r.adminGroups, groupID)
}

// Rebate detects Taobao and JD links and replies with promotion links.
type Rebate struct {
	*plugin.Base
	deps *Deps

	watched    []int64
	commission commissionRules
	taobao     *TaobaoConverter
	jingdong   *JingdongConverter
}

func NewRebate(deps *Deps) *Rebate {
	r := &Rebate{Base: plugin.NewBase(NameRebate, "1.0.0"), deps: deps}
	r.SetPriority(40)
	return r
}

func (r *Rebate) Name() string        { return NameRebate }
func (r *Rebate) Version() string     { return "1.0.0" }
func (r *Rebate) Description() string { return "返利模块：自动识别并转换淘宝/京东链接为推广链接" }
func (r *Rebate) Author() string      { return author }

func (r *Rebate) OnLoad(ctx context.Context, cfg plugin.Config) error {
	if err := r.Base.OnLoad(ctx, cfg); err != nil {
		return err
	}
	r.watched = cfg.Int64s("watched_groups")
	r.commission = commissionRules{
		adminUsers:  cfg.Int64s("admin_qq_list"),
		adminGroups: cfg.Int64s("admin_group_list"),
	}

	client := r.deps.httpClient()
	r.taobao, r.jingdong = nil, nil

	var tb TaobaoConverter
	if err := cfg.Sub("taobao").Decode(&tb); err != nil {
		return err
	}
	if tb.AppKey != "" {
		tb.client = client
		r.taobao = &tb
	} else {
		slog.Warn("rebate: taobao api not configured, taobao conversion disabled")
	}

	var jd JingdongConverter
	if err := cfg.Sub("jingdong").Decode(&jd); err != nil {
		return err
	}
	if jd.AppKey != "" {
		jtt := cfg.Sub("jingtuitui")
		jd.JTTAppID = jtt.String("appid", "")
		jd.JTTAppKey = jtt.String("appkey", "")
		jd.JTTURL = jtt.String("api_url", "")
		jd.client = client
		r.jingdong = &jd
	} else {
		slog.Warn("rebate: jingdong api not configured, jd conversion disabled")
	}

	slog.Info("rebate configured",
		"watched_groups", r.watched,
		"admins", len(r.commission.adminUsers),
		"admin_groups", len(r.commission.adminGroups),
	)
	return nil
}

func hasLink(text string) bool {
	return len(TaobaoTokens(text)) > 0 || jingdongRe.MatchString(text)
}

func (r *Rebate) CanHandle(_ context.Context, message string, mc *plugin.Context) (bool, error) {
	if r.deps.isBot(mc.UserID) {
		return false, nil
	}
	if mc.IsGroup() {
		if !slices.Contains(r.watched, mc.GroupID) || !r.deps.shouldRespond(mc) {
			return false, nil
		}
	}
	return hasLink(linkText(message)), nil
}

func (r *Rebate) Handle(ctx context.Context, message string, mc *plugin.Context) (*plugin.Response, error) {
	text := linkText(message)
	show := r.commission.show(mc.UserID, mc.GroupID)
	seen := make(map[string]bool)

	var results []string
	if r.taobao != nil {
		for _, tok := range TaobaoTokens(text) {
			if out := r.taobao.Convert(ctx, tok, seen, show); out != "" {
				results = append(results, out)
			}
		}
	}
	if r.jingdong != nil {
		for _, tok := range JingdongTokens(text) {
			if out := r.jingdong.Convert(ctx, tok, seen, show); out != "" {
				results = append(results, out)
			}
		}
	}
	if len(results) == 0 {
		return nil, nil
	}
	return plugin.NewResponse(strings.Join(results, "\n\n")), nil
}
