package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultTaobaoAPI     = "https://api.zhetaoke.com:10001/api"
	defaultJingdongAPI   = "http://api.zhetaoke.com:20000/api/open_jing_union_open_promotion_byunionid_get.ashx"
	defaultJingtuituiAPI = "http://japi.jingtuitui.com/api/get_goods_command"
)

// apiResult is the envelope returned by the zhetaoke endpoints. Content is
// an item list on success and an error string otherwise.
type apiResult struct {
	Status  int             `json:"status"`
	Content json.RawMessage `json:"content"`
	Msg     string          `json:"msg"`
}

// item is one product record; values may be strings or numbers.
type item map[string]any

func (it item) get(keys ...string) string {
	for _, k := range keys {
		switch v := it[k].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func (it item) or(def string, keys ...string) string {
	if v := it.get(keys...); v != "" {
		return v
	}
	return def
}

func (r *apiResult) items() ([]item, bool) {
	if r.Status != 200 || len(r.Content) == 0 {
		return nil, false
	}
	var items []item
	if err := json.Unmarshal(r.Content, &items); err != nil || len(items) == 0 {
		return nil, false
	}
	return items, true
}

func (r *apiResult) errorText() string {
	var s string
	if err := json.Unmarshal(r.Content, &s); err == nil && s != "" {
		return s
	}
	if r.Msg != "" {
		return r.Msg
	}
	return "未知错误"
}

func getJSON(ctx context.Context, client *http.Client, method, endpoint string, params url.Values, out any) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s returned %d", u.Host, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func imageCQ(it item) string {
	if pic := it.get("pict_url", "pic_url"); pic != "" {
		return "[CQ:image,file=" + pic + "]"
	}
	return ""
}

// TaobaoConverter turns Taobao links and share codes into promotion links.
type TaobaoConverter struct {
	AppKey     string `json:"app_key"`
	SID        string `json:"sid"`
	PID        string `json:"pid"`
	RelationID string `json:"relation_id"`
	BaseURL    string `json:"api_base"`

	client *http.Client
}

func (c *TaobaoConverter) params() url.Values {
	p := url.Values{}
	p.Set("appkey", c.AppKey)
	p.Set("sid", c.SID)
	p.Set("pid", c.PID)
	p.Set("signurl", "5")
	if c.RelationID != "" {
		p.Set("relation_id", c.RelationID)
	}
	return p
}

// Convert returns the formatted result for token, or "" when the product
// was already seen or the request failed.
func (c *TaobaoConverter) Convert(ctx context.Context, token string, seen map[string]bool, showCommission bool) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultTaobaoAPI
	}
	params := c.params()
	endpoint := base + "/open_gaoyongzhuanlian_tkl.ashx"
	if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
		endpoint = base + "/open_gaoyongzhuanlian.ashx"
		params.Set("url", token)
	} else {
		params.Set("tkl", token)
	}

	var res apiResult
	if err := getJSON(ctx, c.client, http.MethodGet, endpoint, params, &res); err != nil {
		slog.Warn("taobao convert failed", "token", token, "error", err)
		return ""
	}
	items, ok := res.items()
	if !ok {
		return "淘宝转换失败: " + res.errorText()
	}
	it := items[0]
	title := it.or("未知", "tao_title", "title")
	if seen[title] {
		return ""
	}
	seen[title] = true

	var sb strings.Builder
	fmt.Fprintf(&sb, "【商品】：%s\n\n", title)
	fmt.Fprintf(&sb, "【券后】: %s\n", it.or("未知", "quanhou_jiage"))
	if showCommission {
		fmt.Fprintf(&sb, "【佣金】: %s\n", it.or("未知", "tkfee3"))
	}
	fmt.Fprintf(&sb, "【领券】: %s\n", it.or("未知", "shorturl2"))
	fmt.Fprintf(&sb, "【领券口令】: %s\n", it.or("未知", "tkl"))
	sb.WriteString(imageCQ(it))
	return sb.String()
}

// JingdongConverter turns JD links and share codes into promotion links.
// When Jingtuitui credentials are set it also attaches a share code.
type JingdongConverter struct {
	AppKey     string `json:"appkey"`
	UnionID    string `json:"union_id"`
	PositionID string `json:"position_id"`
	URL        string `json:"api_url"`

	JTTAppID  string `json:"-"`
	JTTAppKey string `json:"-"`
	JTTURL    string `json:"-"`

	client *http.Client
}

type jdErrorEnvelope struct {
	Response *struct {
		Result string `json:"result"`
	} `json:"jd_union_open_promotion_byunionid_get_response"`
}

type jdInnerResult struct {
	Message string `json:"message"`
	Data    *struct {
		ShortURL string `json:"shortURL"`
	} `json:"data"`
}

func (c *JingdongConverter) Convert(ctx context.Context, material string, seen map[string]bool, showCommission bool) string {
	if strings.Contains(material, "coupon.m.jd") {
		return "优惠券: " + material
	}
	endpoint := c.URL
	if endpoint == "" {
		endpoint = defaultJingdongAPI
	}
	params := url.Values{}
	params.Set("appkey", c.AppKey)
	params.Set("materialId", material)
	params.Set("unionId", c.UnionID)
	params.Set("positionId", c.PositionID)
	params.Set("chainType", "3")
	params.Set("signurl", "5")

	var raw json.RawMessage
	if err := getJSON(ctx, c.client, http.MethodGet, endpoint, params, &raw); err != nil {
		slog.Warn("jingdong convert failed", "material", material, "error", err)
		return "京东转换失败: " + err.Error()
	}
	var res apiResult
	_ = json.Unmarshal(raw, &res)
	if items, ok := res.items(); ok {
		it := items[0]
		title := it.or("未知", "jianjie")
		if seen[title] {
			return ""
		}
		seen[title] = true
		short := it.get("shorturl")

		var sb strings.Builder
		fmt.Fprintf(&sb, "【商品】: %s\n\n", title)
		fmt.Fprintf(&sb, "【券后】: %s\n", it.or("未知", "quanhou_jiage"))
		if showCommission {
			fmt.Fprintf(&sb, "【佣金】: %s\n", it.or("未知", "tkfee3"))
		}
		fmt.Fprintf(&sb, "【领券买】: %s\n", short)
		if cmd := c.command(ctx, short); cmd != "" {
			fmt.Fprintf(&sb, "【领券口令】: %s\n", cmd)
		}
		sb.WriteString(imageCQ(it))
		return sb.String()
	}

	var env jdErrorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Response == nil || env.Response.Result == "" {
		return "JD转换失败: 未知错误"
	}
	var inner jdInnerResult
	if err := json.Unmarshal([]byte(env.Response.Result), &inner); err != nil {
		return "JD转换失败: 返回数据解析错误"
	}
	if inner.Data != nil && inner.Data.ShortURL != "" {
		out := "优惠: " + inner.Data.ShortURL
		if cmd := c.command(ctx, inner.Data.ShortURL); cmd != "" {
			out += "\n【口令】" + cmd
		}
		return out
	}
	if strings.Contains(inner.Message, "优惠券") || strings.Contains(inner.Message, "非联盟") {
		return "优惠券: " + material
	}
	msg := inner.Message
	if msg == "" {
		msg = "未知错误"
	}
	return "JD转换失败: " + msg
}

type jttResult struct {
	Msg    string `json:"msg"`
	Return *struct {
		ShortKL string `json:"jd_short_kl"`
	} `json:"return"`
}

// command asks Jingtuitui for a share code of shortURL. Failures yield "".
func (c *JingdongConverter) command(ctx context.Context, shortURL string) string {
	if shortURL == "" || c.JTTAppID == "" || c.JTTAppKey == "" {
		return ""
	}
	endpoint := c.JTTURL
	if endpoint == "" {
		endpoint = defaultJingtuituiAPI
	}
	params := url.Values{}
	params.Set("appid", c.JTTAppID)
	params.Set("appkey", c.JTTAppKey)
	params.Set("unionid", c.UnionID)
	params.Set("gid", shortURL)
	if c.PositionID != "" {
		params.Set("positionid", c.PositionID)
	}
	var res jttResult
	if err := getJSON(ctx, c.client, http.MethodPost, endpoint, params, &res); err != nil {
		slog.Debug("jingtuitui command failed", "error", err)
		return ""
	}
	if res.Return == nil || !strings.HasPrefix(res.Msg, "ok") {
		slog.Debug("jingtuitui command rejected", "msg", res.Msg)
		return ""
	}
	return res.Return.ShortKL
}
