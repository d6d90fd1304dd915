package accounting

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("formatResponse", func() {
	DescribeTable("smart accounting results",
		func(result map[string]any, expected string, irrelevant bool) {
			message, isIrrelevant := formatResponse(map[string]any{"smartAccountingResult": result})
			Expect(message).To(Equal(expected))
			Expect(isIrrelevant).To(Equal(irrelevant))
		},
		Entry("full record",
			map[string]any{
				"amount":       12.5,
				"note":         "lunch",
				"date":         "2026-10-15T12:00:00.000Z",
				"type":         "支出",
				"categoryName": "餐饮",
				"budgetName":   "Food",
			},
			"✅ recorded\n📝 note: lunch\n📅 date: 2026-10-15\n💸 direction: expense; category: 🍽️餐饮\n💰 amount: 12.5\n📊 budget: Food",
			false,
		),
		Entry("income with an unknown category",
			map[string]any{"amount": 3000.0, "direction": "income", "category": "bonus"},
			"✅ recorded\n💰 direction: income; category: 📂bonus\n💰 amount: 3000",
			false,
		),
		Entry("personal budget shows the owner",
			map[string]any{"amount": 8.0, "budgetName": personalBudget, "budgetOwnerName": "alice"},
			"✅ recorded\n💰 amount: 8\n📊 budget: 个人预算 (alice)",
			false,
		),
		Entry("not relevant",
			map[string]any{"isRelevant": false},
			IrrelevantMessage,
			true,
		),
		Entry("token limit",
			map[string]any{"error": "token limit exceeded"},
			"💳 token usage limit reached: token limit exceeded",
			false,
		),
		Entry("rate limited",
			map[string]any{"error": "Too many requests"},
			"⏱️ too many requests: Too many requests",
			false,
		),
		Entry("other error",
			map[string]any{"error": "parse failure"},
			"❌ accounting failed: parse failure",
			false,
		),
		Entry("no amount",
			map[string]any{"message": "could not find an amount"},
			"❌ accounting failed: could not find an amount",
			false,
		),
	)

	It("formats the data variant", func() {
		message, irrelevant := formatResponse(map[string]any{"data": map[string]any{
			"description": "bus",
			"amount":      2.0,
			"category":    "交通",
			"budget":      map[string]any{"remaining": 98.0},
		}})
		Expect(irrelevant).To(BeFalse())
		Expect(message).To(Equal("✅ recorded\n📝 note: bus\n💸 direction: expense; category: 🚗交通\n💰 amount: 2\n📊 budget remaining: 98"))
	})

	It("falls back to a plain confirmation", func() {
		message, irrelevant := formatResponse(map[string]any{"message": "ok"})
		Expect(message).To(Equal("✅ recorded"))
		Expect(irrelevant).To(BeFalse())
	})
})

var _ = Describe("token", func() {
	It("reads the expiry from a jwt", func() {
		tok := parseToken(jwtWithExpiry(time.Unix(4102444800, 0)))
		Expect(tok.expiresAt.Unix()).To(Equal(int64(4102444800)))
		Expect(tok.email).To(Equal("bot@example.com"))
		Expect(tok.status(time.Unix(4102444800-3600, 0))).To(Equal("token valid"))
		Expect(tok.status(time.Unix(4102444800-60, 0))).To(Equal("token expired"))
	})

	It("keeps opaque tokens without an expiry", func() {
		tok := parseToken("opaque")
		Expect(tok.expiresAt.IsZero()).To(BeTrue())
		Expect(tok.valid(time.Unix(0, 0))).To(BeTrue())
		Expect(token{}.status(time.Unix(0, 0))).To(Equal("no token"))
	})
})
