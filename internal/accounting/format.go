package accounting

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// IrrelevantMessage is the outcome message for texts that have nothing to record.
	IrrelevantMessage = "message is not related to accounting"

	recordedHeader = "✅ recorded"
	personalBudget = "个人预算"
)

// irrelevantMarkers are the fragments of a 400 response that mark a message
// as unrelated to bookkeeping rather than malformed.
var irrelevantMarkers = []string{"记账无关", "irrelevant", "not related"}

var categoryIcons = map[string]string{
	"餐饮": "🍽️",
	"交通": "🚗",
	"购物": "🛒",
	"娱乐": "🎮",
	"医疗": "🏥",
	"教育": "📚",
	"学习": "📝",
	"日用": "🧴",
	"住房": "🏠",
	"通讯": "📱",
	"服装": "👕",
	"美容": "💄",
	"运动": "⚽",
	"旅游": "✈️",
	"投资": "💰",
	"保险": "🛡️",
	"转账": "💸",
	"红包": "🧧",
	"工资": "💼",
	"奖金": "🎁",
	"兼职": "👨‍💻",
	"理财": "📈",
	"其他": "📦",
}

type direction struct {
	icon string
	text string
}

var directions = map[string]direction{
	"支出":       {"💸", "expense"},
	"收入":       {"💰", "income"},
	"expense":  {"💸", "expense"},
	"income":   {"💰", "income"},
	"transfer": {"🔄", "transfer"},
}

func categoryIcon(category string) string {
	if icon, ok := categoryIcons[category]; ok {
		return icon
	}
	return "📂"
}

func directionInfo(d string) direction {
	if info, ok := directions[strings.ToLower(d)]; ok {
		return info
	}
	if d == "" {
		d = "expense"
	}
	return direction{icon: "💸", text: d}
}

func isIrrelevant(info string) bool {
	lower := strings.ToLower(info)
	for _, marker := range irrelevantMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// formatResponse turns a successful API response into a chat message.
// irrelevant is true when the API understood the text but found nothing to
// record.
func formatResponse(body map[string]any) (message string, irrelevant bool) {
	if smart, ok := body["smartAccountingResult"].(map[string]any); ok {
		return formatSmartResult(smart)
	}
	if data, ok := body["data"].(map[string]any); ok {
		return formatDataResult(data), false
	}
	return recordedHeader, false
}

func formatSmartResult(r map[string]any) (string, bool) {
	if relevant, ok := r["isRelevant"].(bool); ok && !relevant {
		return IrrelevantMessage, true
	}

	if _, ok := r["error"]; ok {
		msg := str(r["error"])
		if msg == "" {
			msg = "accounting failed"
		}
		lower := strings.ToLower(msg)
		switch {
		case strings.Contains(lower, "token") && (strings.Contains(lower, "limit") || strings.Contains(msg, "限制")):
			return "💳 token usage limit reached: " + msg, false
		case strings.Contains(lower, "rate") || strings.Contains(lower, "too many") || strings.Contains(msg, "频繁"):
			return "⏱️ too many requests: " + msg, false
		default:
			return "❌ accounting failed: " + msg, false
		}
	}

	if _, ok := r["amount"]; !ok {
		msg := str(r["message"])
		if msg == "" {
			msg = "accounting failed"
		}
		return "❌ accounting failed: " + msg, false
	}

	lines := []string{recordedHeader}
	if note := firstOf(r, "note", "description"); note != "" {
		lines = append(lines, "📝 note: "+note)
	}
	if date := str(r["date"]); date != "" {
		if i := strings.Index(date, "T"); i > 0 {
			date = date[:i]
		}
		lines = append(lines, "📅 date: "+date)
	}
	if line := directionLine(firstOf(r, "type", "direction"), firstOf(r, "categoryName", "category")); line != "" {
		lines = append(lines, line)
	}
	if amount := str(r["amount"]); amount != "" {
		lines = append(lines, "💰 amount: "+amount)
	}
	if budget := firstOf(r, "budgetName", "budget"); budget != "" {
		owner := firstOf(r, "budgetOwnerName", "budgetOwner")
		if budget == personalBudget && owner != "" {
			lines = append(lines, fmt.Sprintf("📊 budget: %s (%s)", budget, owner))
		} else {
			lines = append(lines, "📊 budget: "+budget)
		}
	}
	return strings.Join(lines, "\n"), false
}

func formatDataResult(d map[string]any) string {
	lines := []string{recordedHeader}
	if desc := str(d["description"]); desc != "" {
		lines = append(lines, "📝 note: "+desc)
	}
	if date := str(d["date"]); date != "" {
		lines = append(lines, "📅 date: "+date)
	}
	dir := str(d["direction"])
	if dir == "" {
		dir = "支出"
	}
	if line := directionLine(dir, str(d["category"])); line != "" {
		lines = append(lines, line)
	}
	if amount := str(d["amount"]); amount != "" {
		lines = append(lines, "💰 amount: "+amount)
	}
	switch budget := d["budget"].(type) {
	case map[string]any:
		lines = append(lines, "📊 budget remaining: "+str(budget["remaining"]))
	case string:
		lines = append(lines, "📊 budget: "+budget)
	}
	return strings.Join(lines, "\n")
}

func directionLine(dir, category string) string {
	var parts []string
	if dir != "" {
		info := directionInfo(dir)
		parts = append(parts, fmt.Sprintf("%s direction: %s", info.icon, info.text))
	}
	if category != "" {
		parts = append(parts, "category: "+categoryIcon(category)+category)
	}
	return strings.Join(parts, "; ")
}

func firstOf(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := str(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// str renders a decoded JSON scalar. Numbers are printed without a trailing
// ".0".
func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
