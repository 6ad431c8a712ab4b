package rpc

import (
	"errors"
	"math/big"
	"net/http"

	"subpay/core/events"
	"subpay/native/billing"
	"subpay/native/fees"
)

const (
	codeBillingInvalidParams = -32061
	codeBillingNotFound      = -32062
	codeBillingForbidden     = -32063
	codeBillingConflict      = -32064
	codeBillingInternal      = -32065
)

type billingHandler struct {
	mutating bool
	fn       func(*Server, http.ResponseWriter, *RPCRequest) string
}

var billingHandlers = map[string]billingHandler{
	"billing_registerMerchant": {true, (*Server).handleRegisterMerchant},
	"billing_setTokens":        {true, (*Server).handleSetTokens},
	"billing_createPlan":       {true, (*Server).handleCreatePlan},
	"billing_cancelPlan":       {true, (*Server).handleCancelPlan},
	"billing_subscribe":        {true, (*Server).handleSubscribe},
	"billing_claim":            {true, (*Server).handleClaim},
	"billing_unsubscribe":      {true, (*Server).handleUnsubscribe},
	"billing_withdrawFees":     {true, (*Server).handleWithdrawFees},
	"billing_getMerchant":      {false, (*Server).handleGetMerchant},
	"billing_getPlan":          {false, (*Server).handleGetPlan},
	"billing_getSubscription":  {false, (*Server).handleGetSubscription},
	"billing_getFeeBalance":    {false, (*Server).handleGetFeeBalance},
	"billing_getBalance":       {false, (*Server).handleGetBalance},
	"billing_listEvents":       {false, (*Server).handleListEvents},
}

// writeBillingError maps the ledger's categorical errors onto RPC codes.
func writeBillingError(w http.ResponseWriter, id interface{}, err error) string {
	switch {
	case errors.Is(err, billing.ErrInvalidReceiver),
		errors.Is(err, billing.ErrInvalidToken),
		errors.Is(err, billing.ErrInvalidPlan),
		errors.Is(err, fees.ErrInvalidAmount),
		errors.Is(err, fees.ErrAmountOverflow):
		writeError(w, http.StatusBadRequest, id, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	case errors.Is(err, billing.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, id, codeBillingNotFound, "not_found", err.Error())
		return "not_found"
	case errors.Is(err, billing.ErrNotPlanOwner), errors.Is(err, billing.ErrUnauthorized):
		writeError(w, http.StatusForbidden, id, codeBillingForbidden, "forbidden", err.Error())
		return "forbidden"
	case errors.Is(err, billing.ErrMerchantNotRegistered),
		errors.Is(err, billing.ErrPlanNotActive),
		errors.Is(err, billing.ErrTokenNotAccepted),
		errors.Is(err, billing.ErrSubscriptionNotActive),
		errors.Is(err, billing.ErrClaimTooEarly),
		errors.Is(err, billing.ErrTransferFailed):
		writeError(w, http.StatusConflict, id, codeBillingConflict, "failed_precondition", err.Error())
		return "failed_precondition"
	default:
		writeError(w, http.StatusInternalServerError, id, codeBillingInternal, "internal_error", err.Error())
		return "internal_error"
	}
}

type registerMerchantParams struct {
	Caller   string `json:"caller"`
	Receiver string `json:"receiver"`
}

type setTokensParams struct {
	Caller string   `json:"caller"`
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

type createPlanParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
	Period uint64 `json:"period"`
}

type planIDParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type subscribeParams struct {
	Caller   string `json:"caller"`
	PlanID   uint64 `json:"planId"`
	Customer string `json:"customer"`
	Token    string `json:"token"`
}

type subscriptionIDParams struct {
	ID uint64 `json:"id"`
}

type unsubscribeParams struct {
	Caller string `json:"caller"`
	ID     uint64 `json:"id"`
}

type withdrawFeesParams struct {
	Caller string   `json:"caller"`
	Tokens []string `json:"tokens"`
	Payee  string   `json:"payee"`
}

type addressParams struct {
	Address string `json:"address"`
}

type tokenParams struct {
	Token string `json:"token"`
}

type balanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

type merchantJSON struct {
	Address  string   `json:"address"`
	Receiver string   `json:"receiver"`
	Tokens   []string `json:"tokens"`
}

type planJSON struct {
	ID        uint64 `json:"id"`
	Merchant  string `json:"merchant"`
	Amount    string `json:"amount"`
	Period    uint64 `json:"period"`
	Active    bool   `json:"active"`
	CreatedAt uint64 `json:"createdAt"`
}

type subscriptionJSON struct {
	ID               uint64 `json:"id"`
	Plan             uint64 `json:"plan"`
	Payer            string `json:"payer"`
	Customer         string `json:"customer"`
	Token            string `json:"token"`
	NextEligibleTime uint64 `json:"nextEligibleTime"`
	Active           bool   `json:"active"`
	CreatedAt        uint64 `json:"createdAt"`
}

func merchantToJSON(m *billing.Merchant) merchantJSON {
	receiver := ""
	if m.Registered() {
		receiver = formatAddress(m.Receiver)
	}
	return merchantJSON{
		Address:  formatAddress(m.Address),
		Receiver: receiver,
		Tokens:   append([]string(nil), m.Tokens...),
	}
}

func planToJSON(p *billing.Plan) planJSON {
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return planJSON{
		ID:        p.ID,
		Merchant:  formatAddress(p.Merchant),
		Amount:    amount,
		Period:    p.Period,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
	}
}

func subscriptionToJSON(s *billing.Subscription) subscriptionJSON {
	return subscriptionJSON{
		ID:               s.ID,
		Plan:             s.Plan,
		Payer:            formatAddress(s.Payer),
		Customer:         formatAddress(s.Customer),
		Token:            s.Token,
		NextEligibleTime: s.NextEligibleTime,
		Active:           s.Active,
		CreatedAt:        s.CreatedAt,
	}
}

func (s *Server) handleRegisterMerchant(w http.ResponseWriter, req *RPCRequest) string {
	var params registerMerchantParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	receiver, err := parseAddress(params.Receiver)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.node.RegisterMerchant(caller, receiver); err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return "ok"
}

func (s *Server) handleSetTokens(w http.ResponseWriter, req *RPCRequest) string {
	var params setTokensParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.node.SetMerchantTokens(caller, params.Add, params.Remove); err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return "ok"
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, req *RPCRequest) string {
	var params createPlanParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	plan, err := s.node.CreatePlan(caller, amount, params.Period)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, planToJSON(plan))
	return "ok"
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, req *RPCRequest) string {
	var params planIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.node.CancelPlan(caller, params.ID); err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return "ok"
}

func (s *Server) handleSubscribe(w http.ResponseWriter, req *RPCRequest) string {
	var params subscribeParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	customer, err := parseAddress(params.Customer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	sub, err := s.node.Subscribe(caller, params.PlanID, customer, params.Token)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, subscriptionToJSON(sub))
	return "ok"
}

func (s *Server) handleClaim(w http.ResponseWriter, req *RPCRequest) string {
	var params subscriptionIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.node.Claim(params.ID); err != nil {
		return writeBillingError(w, req.ID, err)
	}
	sub, ok, err := s.node.GetSubscription(params.ID)
	if err != nil || !ok {
		writeResult(w, req.ID, map[string]bool{"ok": true})
		return "ok"
	}
	writeResult(w, req.ID, subscriptionToJSON(sub))
	return "ok"
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, req *RPCRequest) string {
	var params unsubscribeParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	if err := s.node.Unsubscribe(caller, params.ID); err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
	return "ok"
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, req *RPCRequest) string {
	var params withdrawFeesParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	payee, err := parseAddress(params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	withdrawn, err := s.node.WithdrawFees(caller, params.Tokens, payee)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	result := make(map[string]string, len(withdrawn))
	for token, amount := range withdrawn {
		result[token] = amount.String()
	}
	writeResult(w, req.ID, map[string]interface{}{"withdrawn": result})
	return "ok"
}

func (s *Server) handleGetMerchant(w http.ResponseWriter, req *RPCRequest) string {
	var params addressParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	merchant, ok, err := s.node.GetMerchant(addr)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeBillingNotFound, "not_found", "merchant not found")
		return "not_found"
	}
	writeResult(w, req.ID, merchantToJSON(merchant))
	return "ok"
}

func (s *Server) handleGetPlan(w http.ResponseWriter, req *RPCRequest) string {
	var params subscriptionIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	plan, ok, err := s.node.GetPlan(params.ID)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeBillingNotFound, "not_found", "plan not found")
		return "not_found"
	}
	writeResult(w, req.ID, planToJSON(plan))
	return "ok"
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, req *RPCRequest) string {
	var params subscriptionIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	sub, ok, err := s.node.GetSubscription(params.ID)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeBillingNotFound, "not_found", "subscription not found")
		return "not_found"
	}
	writeResult(w, req.ID, subscriptionToJSON(sub))
	return "ok"
}

func (s *Server) handleGetFeeBalance(w http.ResponseWriter, req *RPCRequest) string {
	var params tokenParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	balance, err := s.node.GetFeeBalance(params.Token)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	writeResult(w, req.ID, map[string]string{"token": params.Token, "balance": balance.String()})
	return "ok"
}

func (s *Server) handleGetBalance(w http.ResponseWriter, req *RPCRequest) string {
	var params balanceParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	addr, err := parseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeBillingInvalidParams, "invalid_params", err.Error())
		return "invalid_params"
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		return writeBillingError(w, req.ID, err)
	}
	var balance *big.Int
	if params.Token != "" {
		balance = account.Balance(params.Token)
	} else {
		balance = big.NewInt(0)
	}
	writeResult(w, req.ID, map[string]string{"address": params.Address, "token": params.Token, "balance": balance.String()})
	return "ok"
}

type eventJSON struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, req *RPCRequest) string {
	log := s.node.Events()
	out := make([]eventJSON, 0, len(log))
	for _, evt := range log {
		out = append(out, eventToJSON(evt))
	}
	writeResult(w, req.ID, out)
	return "ok"
}

func eventToJSON(evt events.Event) eventJSON {
	data := make(map[string]interface{})
	switch e := evt.(type) {
	case events.PlanStarted:
		data["id"] = e.ID
		data["merchant"] = formatAddress(e.Merchant)
		data["amount"] = e.Amount.String()
		data["period"] = e.Period
	case events.PlanCanceled:
		data["id"] = e.ID
		data["merchant"] = formatAddress(e.Merchant)
	case events.SubscriptionStarted:
		data["id"] = e.ID
		data["plan"] = e.Plan
		data["customer"] = formatAddress(e.Customer)
		data["payer"] = formatAddress(e.Payer)
		data["token"] = e.Token
		data["nextEligibleTime"] = e.NextEligibleTime
	case events.SubscriptionClaimed:
		data["id"] = e.ID
		data["plan"] = e.Plan
		data["token"] = e.Token
		data["fee"] = e.Fee.String()
		data["net"] = e.Net.String()
		data["nextEligibleTime"] = e.NextEligibleTime
	case events.SubscriptionCanceled:
		data["id"] = e.ID
	case events.FeesWithdrawn:
		data["token"] = e.Token
		data["amount"] = e.Amount.String()
		data["payee"] = formatAddress(e.Payee)
	}
	return eventJSON{Type: evt.EventType(), Data: data}
}
