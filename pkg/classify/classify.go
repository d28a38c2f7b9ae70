package classify

import (
	"fmt"
	"strings"

	"roomrelay/pkg/config"
	"roomrelay/pkg/event"
)

var (
	defaultComplaintKeywords = []string{
		"投诉", "举报", "维权", "退款", "退货", "假货", "诈骗", "欺诈", "赔偿", "律师",
		"消费者协会", "差评", "曝光", "工商", "315", "售后", "坏了", "质量问题", "故障",
		"打不开", "用不了", "bug",
	}
	defaultEscalationKeywords = []string{"人工客服", "转人工", "人工服务", "真人", "客服人员", "人工接听", "不要机器人"}
	defaultPriceKeywords      = []string{"多少钱", "价格", "价钱", "几块", "优惠", "便宜", "折扣", "price", "how much"}
	defaultStockKeywords      = []string{"库存", "有货", "还有吗", "有没有", "现货", "缺货", "发货", "stock"}
	defaultGreetingKeywords   = []string{"在吗", "你好", "您好", "哈喽", "hello", "hi", "早上好", "晚上好", "主播好"}

	defaultKindPriorities = map[event.Kind]event.Priority{
		event.KindGift:      event.PriorityMedium,
		event.KindLike:      event.PriorityLow,
		event.KindJoin:      event.PriorityLow,
		event.KindFollow:    event.PriorityLow,
		event.KindShare:     event.PriorityLow,
		event.KindRoomState: event.PriorityLow,
	}
)

type rule struct {
	category event.Category
	priority event.Priority
	keywords []string
}

// Classifier assigns category and priority from an event's kind and content.
// It holds no mutable state after construction.
type Classifier struct {
	rules          []rule
	kindPriorities map[event.Kind]event.Priority
}

// New builds a classifier. Empty keyword lists in cfg keep the defaults.
func New(cfg config.ClassifierConfig) (*Classifier, error) {
	kindPriorities := make(map[event.Kind]event.Priority, len(defaultKindPriorities))
	for kind, priority := range defaultKindPriorities {
		kindPriorities[kind] = priority
	}

	for rawKind, rawPriority := range cfg.KindPriorities {
		kind := event.Kind(strings.ToLower(strings.TrimSpace(rawKind)))
		if !kind.Valid() || kind == event.KindChat {
			return nil, fmt.Errorf("classifier.kind_priorities: unsupported kind %q", rawKind)
		}
		priority, err := event.ParsePriority(rawPriority)
		if err != nil {
			return nil, fmt.Errorf("classifier.kind_priorities[%s]: %w", rawKind, err)
		}
		kindPriorities[kind] = priority
	}

	return &Classifier{
		rules: []rule{
			{category: event.CategoryComplaint, priority: event.PriorityHigh, keywords: keywords(cfg.ComplaintKeywords, defaultComplaintKeywords)},
			{category: event.CategoryEscalation, priority: event.PriorityHigh, keywords: keywords(cfg.EscalationKeywords, defaultEscalationKeywords)},
			{category: event.CategoryPriceInquiry, priority: event.PriorityMedium, keywords: keywords(cfg.PriceKeywords, defaultPriceKeywords)},
			{category: event.CategoryStockInquiry, priority: event.PriorityMedium, keywords: keywords(cfg.StockKeywords, defaultStockKeywords)},
			{category: event.CategoryGreeting, priority: event.PriorityLow, keywords: keywords(cfg.GreetingKeywords, defaultGreetingKeywords)},
		},
		kindPriorities: kindPriorities,
	}, nil
}

// Default returns a classifier with the built-in keyword sets.
func Default() *Classifier {
	c, _ := New(config.ClassifierConfig{})
	return c
}

// Evaluate returns the category and priority for ev without modifying it.
func (c *Classifier) Evaluate(ev event.Event) (event.Category, event.Priority) {
	if ev.Kind != event.KindChat {
		priority, ok := c.kindPriorities[ev.Kind]
		if !ok {
			priority = event.PriorityLow
		}
		if ev.Kind == event.KindGift {
			return event.CategoryGift, priority
		}
		return event.CategoryInformational, priority
	}

	content := strings.ToLower(strings.TrimSpace(ev.Content()))
	for _, r := range c.rules {
		if containsAny(content, r.keywords) {
			return r.category, r.priority
		}
	}

	return event.CategoryGeneral, event.PriorityMedium
}

// Classify returns the classified copy of ev.
func (c *Classifier) Classify(ev event.Event) (event.Event, error) {
	category, priority := c.Evaluate(ev)
	return ev.Classified(category, priority)
}

func containsAny(content string, words []string) bool {
	for _, word := range words {
		if matchKeyword(content, word) {
			return true
		}
	}

	return false
}

// matchKeyword does substring matching, except that short ASCII words like
// "hi" must stand alone so "this" or "ship" do not match.
func matchKeyword(content string, word string) bool {
	if !isASCIIWord(word) {
		return strings.Contains(content, word)
	}

	for offset := 0; ; {
		idx := strings.Index(content[offset:], word)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(word)
		if boundary(content, start-1) && boundary(content, end) {
			return true
		}
		offset = start + 1
	}
}

func isASCIIWord(word string) bool {
	for i := 0; i < len(word); i++ {
		b := word[i]
		if !(b >= 'a' && b <= 'z') && b != ' ' {
			return false
		}
	}

	return word != ""
}

func boundary(content string, i int) bool {
	if i < 0 || i >= len(content) {
		return true
	}
	b := content[i]
	return !(b >= 'a' && b <= 'z') && !(b >= '0' && b <= '9')
}

func keywords(configured []string, fallback []string) []string {
	out := make([]string, 0, len(configured))
	for _, word := range configured {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			out = append(out, word)
		}
	}
	if len(out) == 0 {
		return fallback
	}

	return out
}
