package chattest

import (
	"encoding/json"
	"time"
)

// Vendor ids of the canned fixtures.
const (
	VendorTechSolutions = "vendor-tech-solutions"
	VendorIndustrial    = "vendor-industrial"
	VendorGlobalMfg     = "vendor-global-mfg"
	VendorElectronics   = "vendor-electronics"
	VendorTextiles      = "vendor-textiles"
	SupportUser         = "support-team"
)

// Vendors returns the canned vendor participants.
func Vendors() []Participant {
	return []Participant{
		{ID: VendorTechSolutions, Name: "Tech Solutions Ltd"},
		{ID: VendorIndustrial, Name: "Industrial Supplies Co"},
		{ID: VendorGlobalMfg, Name: "Global Manufacturing"},
		{ID: VendorElectronics, Name: "Electronics Hub"},
		{ID: VendorTextiles, Name: "Premium Textiles"},
	}
}

// ChatID returns the fixture conversation id for a vendor or support user.
func ChatID(userID string) string { return "chat-" + userID }

// Fixtures builds one conversation per vendor plus a support thread,
// timestamped relative to now:
//
//   - Tech Solutions: online, one unread reply.
//   - Industrial Supplies: an unread pending offer.
//   - Global Manufacturing: closed deal.
//   - Electronics Hub: an offer sent by the buyer.
//   - Premium Textiles: archived.
//   - Support: support thread with one unread message.
func Fixtures(buyerID string, now time.Time) []*Conversation {
	now = now.UTC()
	at := func(ago time.Duration) time.Time { return now.Add(-ago) }
	v := Vendors()

	msg := func(id, chat, sender, content string, ago time.Duration, read bool) Message {
		m := Message{
			ID:             id,
			ChatID:         chat,
			SenderID:       sender,
			Content:        content,
			MessageType:    "text",
			DeliveryStatus: "delivered",
			ReadBy:         []string{},
			CreatedAt:      at(ago),
		}
		if read {
			m.ReadBy = []string{buyerID}
			m.DeliveryStatus = "read"
		}
		return m
	}
	offer := func(m Message, offerID, price, validity, discount string) Message {
		m.MessageType = "offer"
		m.OfferData, _ = json.Marshal(map[string]string{
			"offerId":  offerID,
			"price":    price,
			"validity": validity,
			"discount": discount,
			"status":   "pending",
		})
		return m
	}

	tech := ChatID(VendorTechSolutions)
	industrial := ChatID(VendorIndustrial)
	global := ChatID(VendorGlobalMfg)
	electronics := ChatID(VendorElectronics)
	textiles := ChatID(VendorTextiles)
	support := ChatID(SupportUser)

	convs := []*Conversation{
		{
			ID: tech, Vendor: v[0], Type: "direct", Status: "active", Online: true,
			Messages: []Message{
				msg("fx-tech-1", tech, buyerID, "Hi, I'm interested in 200 laptops for our office.", 2*time.Hour, true),
				msg("fx-tech-2", tech, v[0].ID, "Sure, how many units do you need by month end?", 10*time.Minute, false),
			},
		},
		{
			ID: industrial, Vendor: v[1], Type: "direct", Status: "active", HasNewOffers: true,
			Messages: []Message{
				msg("fx-ind-1", industrial, buyerID, "Can you quote for 500 steel brackets?", 3*time.Hour, true),
				offer(msg("fx-ind-2", industrial, v[1].ID, "15% discount on bulk orders", 30*time.Minute, false),
					"offer-industrial-1", "₹45,000", "7 days", "15% discount on bulk orders"),
			},
		},
		{
			ID: global, Vendor: v[2], Type: "direct", Status: "closed",
			Messages: []Message{
				msg("fx-glb-1", global, v[2].ID, "Deal confirmed. Thank you for your order!", 26*time.Hour, true),
			},
		},
		{
			ID: electronics, Vendor: v[3], Type: "direct", Status: "active", HasSentOffers: true,
			Messages: []Message{
				msg("fx-elc-1", electronics, v[3].ID, "We have 50 LED panels in stock.", 5*time.Hour, true),
				offer(msg("fx-elc-2", electronics, buyerID, "Would you accept this price?", 4*time.Hour, true),
					"offer-electronics-1", "₹38,000", "3 days", "10% off list"),
			},
		},
		{
			ID: textiles, Vendor: v[4], Type: "direct", Status: "archived",
			Messages: []Message{
				msg("fx-tex-1", textiles, v[4].ID, "Our new cotton collection is available.", 240*time.Hour, true),
			},
		},
		{
			ID: support, Vendor: Participant{ID: SupportUser, Name: "Wholexale Support"}, Type: "support", Status: "support",
			Messages: []Message{
				msg("fx-sup-1", support, SupportUser, "Hello! How can we help you today?", 50*time.Minute, false),
			},
		},
	}
	for _, c := range convs {
		c.UpdatedAt = c.Messages[len(c.Messages)-1].CreatedAt
	}
	return convs
}
