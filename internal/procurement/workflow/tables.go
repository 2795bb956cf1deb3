package workflow

import "github.com/meridian-hms/meridian-hms/internal/identity"

// Document kinds governed by the procurement machine.
const (
	KindRequest Kind = "purchase_request"
	KindOrder   Kind = "purchase_order"
	KindReceipt Kind = "goods_receipt"
)

// Purchase request states.
const (
	RequestDraft     State = "draft"
	RequestSubmitted State = "submitted"
	RequestApproved  State = "approved"
	RequestRejected  State = "rejected"
	RequestOrdered   State = "ordered"
	RequestCancelled State = "cancelled"
)

// Purchase order states.
const (
	OrderDraft     State = "draft"
	OrderApproved  State = "approved"
	OrderSent      State = "sent"
	OrderPartial   State = "partial"
	OrderReceived  State = "received"
	OrderCancelled State = "cancelled"
)

// Goods receipt states.
const (
	ReceiptPending   State = "pending"
	ReceiptInspected State = "inspected"
	ReceiptApproved  State = "approved"
	ReceiptPosted    State = "posted"
	ReceiptRejected  State = "rejected"
)

// Actions across all three document kinds.
const (
	ActionSubmit          Action = "submit"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionOrder           Action = "order"
	ActionSend            Action = "send"
	ActionCancel          Action = "cancel"
	ActionReceivePartial  Action = "receive_partial"
	ActionReceiveComplete Action = "receive_complete"
	ActionReopen          Action = "reopen"
	ActionInspect         Action = "inspect"
	ActionPost            Action = "post"
)

// Procurement returns the transition table for the three document kinds.
// Receive and reopen edges are system transitions driven by receipt posting,
// so they carry no role; every operator action names exactly one role.
func Procurement() Machine {
	return Machine{
		{KindRequest, RequestDraft}: {
			{Action: ActionSubmit, Next: RequestSubmitted, Role: identity.RoleRequester},
			{Action: ActionCancel, Next: RequestCancelled, Role: identity.RoleRequester},
		},
		{KindRequest, RequestSubmitted}: {
			{Action: ActionApprove, Next: RequestApproved, Role: identity.RoleApprover},
			{Action: ActionReject, Next: RequestRejected, Role: identity.RoleApprover},
			{Action: ActionCancel, Next: RequestCancelled, Role: identity.RoleRequester},
		},
		{KindRequest, RequestApproved}: {
			{Action: ActionOrder, Next: RequestOrdered, Role: identity.RoleBuyer},
		},

		{KindOrder, OrderDraft}: {
			{Action: ActionApprove, Next: OrderApproved, Role: identity.RoleApprover},
			{Action: ActionCancel, Next: OrderCancelled, Role: identity.RoleBuyer},
		},
		{KindOrder, OrderApproved}: {
			{Action: ActionSend, Next: OrderSent, Role: identity.RoleBuyer},
			{Action: ActionCancel, Next: OrderCancelled, Role: identity.RoleBuyer},
		},
		{KindOrder, OrderSent}: {
			{Action: ActionReceivePartial, Next: OrderPartial},
			{Action: ActionReceiveComplete, Next: OrderReceived},
		},
		{KindOrder, OrderPartial}: {
			{Action: ActionReceivePartial, Next: OrderPartial},
			{Action: ActionReceiveComplete, Next: OrderReceived},
		},

		{KindReceipt, ReceiptPending}: {
			{Action: ActionInspect, Next: ReceiptInspected, Role: identity.RoleInspector},
			{Action: ActionReject, Next: ReceiptRejected, Role: identity.RoleInspector},
		},
		{KindReceipt, ReceiptInspected}: {
			{Action: ActionApprove, Next: ReceiptApproved, Role: identity.RoleApprover},
			{Action: ActionReject, Next: ReceiptRejected, Role: identity.RoleApprover},
		},
		{KindReceipt, ReceiptApproved}: {
			{Action: ActionPost, Next: ReceiptPosted, Role: identity.RolePoster},
		},
	}
}
