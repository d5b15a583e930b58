package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ForwardClear/internal/instruction"
)

// ParseRawInstruction converts a RawInstruction (JSON bytes + type string)
// into a typed instruction. The ingestion shell validates, parses, and
// converts raw messages before handing them to the deterministic core.
func ParseRawInstruction(raw RawInstruction, instructionType string) (instruction.Instruction, error) {
	switch instructionType {
	case "InitMarket":
		return parseInitMarket(raw.Data)
	case "PostPrice":
		return parsePostPrice(raw.Data)
	case "AddAllowedCollateral":
		return parseAddAllowedCollateral(raw.Data)
	case "RemoveAllowedCollateral":
		return parseRemoveAllowedCollateral(raw.Data)
	case "PauseMarket":
		return parsePauseMarket(raw.Data)
	case "UnpauseMarket":
		return parseUnpauseMarket(raw.Data)
	case "SetStrategyOperator":
		return parseSetStrategyOperator(raw.Data)
	case "ExternalFund":
		return parseExternalFund(raw.Data)
	case "RegisterWarehouse":
		return parseRegisterWarehouse(raw.Data)
	case "MintReceipt":
		return parseMintReceipt(raw.Data)
	case "BurnReceipt":
		return parseBurnReceipt(raw.Data)
	case "OpenDeal":
		return parseOpenDeal(raw.Data)
	case "DepositMargin":
		return parseDepositMargin(raw.Data)
	case "FreezeDeal":
		return parseFreezeDeal(raw.Data)
	case "UnfreezeDeal":
		return parseUnfreezeDeal(raw.Data)
	case "SettleCash":
		return parseSettleCash(raw.Data)
	case "SettlePhysical":
		return parseSettlePhysical(raw.Data)
	case "SettlePartialPhysical":
		return parseSettlePartialPhysical(raw.Data)
	case "CrossMarginCreate":
		return parseCrossMarginCreate(raw.Data)
	case "CrossMarginDeposit":
		return parseCrossMarginDeposit(raw.Data)
	case "CrossMarginWithdraw":
		return parseCrossMarginWithdraw(raw.Data)
	case "CrossMarginMoveToDeal":
		return parseCrossMarginMoveToDeal(raw.Data)
	case "CrossMarginMoveFromDeal":
		return parseCrossMarginMoveFromDeal(raw.Data)
	case "YieldPark":
		return parseYieldPark(raw.Data)
	case "YieldUnpark":
		return parseYieldUnpark(raw.Data)
	default:
		return nil, fmt.Errorf("unknown instruction type: %s", instructionType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

// headerJSON carries the fields every instruction shares on the wire.
type headerJSON struct {
	InstructionID string `json:"instruction_id"`
	Signer        string `json:"signer"`
	Market        string `json:"market"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func (h headerJSON) toHeader() (instruction.Header, error) {
	insID, err := uuid.Parse(h.InstructionID)
	if err != nil {
		return instruction.Header{}, fmt.Errorf("parse instruction_id: %w", err)
	}
	signer, err := uuid.Parse(h.Signer)
	if err != nil {
		return instruction.Header{}, fmt.Errorf("parse signer: %w", err)
	}
	return instruction.Header{
		InstructionID: insID,
		Signer:        signer,
		Market:        h.Market,
		Sequence:      h.Sequence,
		Timestamp:     time.UnixMicro(h.TimestampUs),
	}, nil
}

func parseUUID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

type initMarketJSON struct {
	headerJSON
	Governance           string `json:"governance"`
	Oracle               string `json:"oracle"`
	CollateralAsset      string `json:"collateral_asset"`
	ReceiptAsset         string `json:"receipt_asset"`
	PriceExponent        int32  `json:"price_exponent"`
	FeeBps               int64  `json:"fee_bps"`
	BaseInitialMarginBps int64  `json:"base_initial_margin_bps"`
	MaintenanceMarginBps int64  `json:"maintenance_margin_bps"`
	VolMultiplierBps     int64  `json:"vol_multiplier_bps"`
	LastVolBps           int64  `json:"last_vol_bps"`
}

func parseInitMarket(data []byte) (*instruction.InitMarket, error) {
	var j initMarketJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitMarket: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	governance, err := parseUUID("governance", j.Governance)
	if err != nil {
		return nil, err
	}
	oracle, err := parseUUID("oracle", j.Oracle)
	if err != nil {
		return nil, err
	}
	return &instruction.InitMarket{
		Header:               h,
		Governance:           governance,
		Oracle:               oracle,
		CollateralAsset:      j.CollateralAsset,
		ReceiptAsset:         j.ReceiptAsset,
		PriceExponent:        j.PriceExponent,
		FeeBps:               j.FeeBps,
		BaseInitialMarginBps: j.BaseInitialMarginBps,
		MaintenanceMarginBps: j.MaintenanceMarginBps,
		VolMultiplierBps:     j.VolMultiplierBps,
		LastVolBps:           j.LastVolBps,
	}, nil
}

type postPriceJSON struct {
	headerJSON
	Price         int64 `json:"price"`
	PriceExponent int32 `json:"price_exponent"`
	VolBps        int64 `json:"vol_bps"`
}

func parsePostPrice(data []byte) (*instruction.PostPrice, error) {
	var j postPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PostPrice: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.PostPrice{
		Header:        h,
		Price:         j.Price,
		PriceExponent: j.PriceExponent,
		VolBps:        j.VolBps,
	}, nil
}

type collateralJSON struct {
	headerJSON
	Asset string `json:"asset"`
}

func parseAddAllowedCollateral(data []byte) (*instruction.AddAllowedCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AddAllowedCollateral: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.AddAllowedCollateral{Header: h, Asset: j.Asset}, nil
}

func parseRemoveAllowedCollateral(data []byte) (*instruction.RemoveAllowedCollateral, error) {
	var j collateralJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RemoveAllowedCollateral: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.RemoveAllowedCollateral{Header: h, Asset: j.Asset}, nil
}

func parsePauseMarket(data []byte) (*instruction.PauseMarket, error) {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PauseMarket: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.PauseMarket{Header: h}, nil
}

func parseUnpauseMarket(data []byte) (*instruction.UnpauseMarket, error) {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UnpauseMarket: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.UnpauseMarket{Header: h}, nil
}

type setStrategyOperatorJSON struct {
	headerJSON
	Operator string `json:"operator"`
}

func parseSetStrategyOperator(data []byte) (*instruction.SetStrategyOperator, error) {
	var j setStrategyOperatorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SetStrategyOperator: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	operator, err := parseUUID("operator", j.Operator)
	if err != nil {
		return nil, err
	}
	return &instruction.SetStrategyOperator{Header: h, Operator: operator}, nil
}

type externalFundJSON struct {
	headerJSON
	Party  string `json:"party"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

func parseExternalFund(data []byte) (*instruction.ExternalFund, error) {
	var j externalFundJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExternalFund: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	party, err := parseUUID("party", j.Party)
	if err != nil {
		return nil, err
	}
	return &instruction.ExternalFund{
		Header: h,
		Party:  party,
		Asset:  j.Asset,
		Amount: j.Amount,
	}, nil
}

type registerWarehouseJSON struct {
	headerJSON
	Operator string `json:"operator"`
}

func parseRegisterWarehouse(data []byte) (*instruction.RegisterWarehouse, error) {
	var j registerWarehouseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RegisterWarehouse: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	operator, err := parseUUID("operator", j.Operator)
	if err != nil {
		return nil, err
	}
	return &instruction.RegisterWarehouse{Header: h, Operator: operator}, nil
}

type mintReceiptJSON struct {
	headerJSON
	Operator  string `json:"operator"`
	Recipient string `json:"recipient"`
	Quantity  int64  `json:"quantity"`
}

func parseMintReceipt(data []byte) (*instruction.MintReceipt, error) {
	var j mintReceiptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MintReceipt: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	operator, err := parseUUID("operator", j.Operator)
	if err != nil {
		return nil, err
	}
	recipient, err := parseUUID("recipient", j.Recipient)
	if err != nil {
		return nil, err
	}
	return &instruction.MintReceipt{
		Header:    h,
		Operator:  operator,
		Recipient: recipient,
		Quantity:  j.Quantity,
	}, nil
}

type burnReceiptJSON struct {
	headerJSON
	Operator string `json:"operator"`
	Quantity int64  `json:"quantity"`
}

func parseBurnReceipt(data []byte) (*instruction.BurnReceipt, error) {
	var j burnReceiptJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BurnReceipt: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	operator, err := parseUUID("operator", j.Operator)
	if err != nil {
		return nil, err
	}
	return &instruction.BurnReceipt{Header: h, Operator: operator, Quantity: j.Quantity}, nil
}

type openDealJSON struct {
	headerJSON
	DealID          uint64 `json:"deal_id"`
	DealVersion     int32  `json:"deal_version"`
	CoSigner        string `json:"co_signer"`
	Long            string `json:"long"`
	Short           string `json:"short"`
	CollateralAsset string `json:"collateral_asset"`
	StrikePrice     int64  `json:"strike_price"`
	Quantity        int64  `json:"quantity"`
	SettleAtUs      int64  `json:"settle_at_us"`
	Physical        bool   `json:"physical"`
	InitialLong     int64  `json:"initial_long"`
	InitialShort    int64  `json:"initial_short"`
}

func parseOpenDeal(data []byte) (*instruction.OpenDeal, error) {
	var j openDealJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenDeal: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	coSigner, err := parseUUID("co_signer", j.CoSigner)
	if err != nil {
		return nil, err
	}
	long, err := parseUUID("long", j.Long)
	if err != nil {
		return nil, err
	}
	short, err := parseUUID("short", j.Short)
	if err != nil {
		return nil, err
	}
	return &instruction.OpenDeal{
		Header:          h,
		DealID:          j.DealID,
		DealVersion:     j.DealVersion,
		CoSigner:        coSigner,
		Long:            long,
		Short:           short,
		CollateralAsset: j.CollateralAsset,
		StrikePrice:     j.StrikePrice,
		Quantity:        j.Quantity,
		SettleAt:        j.SettleAtUs,
		Physical:        j.Physical,
		InitialLong:     j.InitialLong,
		InitialShort:    j.InitialShort,
	}, nil
}

type depositMarginJSON struct {
	headerJSON
	DealID uint64 `json:"deal_id"`
	Long   bool   `json:"long"`
	Amount int64  `json:"amount"`
}

func parseDepositMargin(data []byte) (*instruction.DepositMargin, error) {
	var j depositMarginJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositMargin: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.DepositMargin{
		Header: h,
		DealID: j.DealID,
		Long:   j.Long,
		Amount: j.Amount,
	}, nil
}

type dealRefJSON struct {
	headerJSON
	DealID uint64 `json:"deal_id"`
}

func parseFreezeDeal(data []byte) (*instruction.FreezeDeal, error) {
	var j dealRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FreezeDeal: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.FreezeDeal{Header: h, DealID: j.DealID}, nil
}

func parseUnfreezeDeal(data []byte) (*instruction.UnfreezeDeal, error) {
	var j dealRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UnfreezeDeal: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.UnfreezeDeal{Header: h, DealID: j.DealID}, nil
}

func parseSettleCash(data []byte) (*instruction.SettleCash, error) {
	var j dealRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettleCash: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.SettleCash{Header: h, DealID: j.DealID}, nil
}

func parseSettlePhysical(data []byte) (*instruction.SettlePhysical, error) {
	var j dealRefJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlePhysical: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.SettlePhysical{Header: h, DealID: j.DealID}, nil
}

type settlePartialJSON struct {
	headerJSON
	DealID uint64 `json:"deal_id"`
	Amount int64  `json:"amount"`
}

func parseSettlePartialPhysical(data []byte) (*instruction.SettlePartialPhysical, error) {
	var j settlePartialJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlePartialPhysical: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.SettlePartialPhysical{
		Header: h,
		DealID: j.DealID,
		Amount: j.Amount,
	}, nil
}

type poolAssetJSON struct {
	headerJSON
	CollateralAsset string `json:"collateral_asset"`
	Amount          int64  `json:"amount,omitempty"`
}

func parseCrossMarginCreate(data []byte) (*instruction.CrossMarginCreate, error) {
	var j poolAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CrossMarginCreate: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.CrossMarginCreate{Header: h, CollateralAsset: j.CollateralAsset}, nil
}

func parseCrossMarginDeposit(data []byte) (*instruction.CrossMarginDeposit, error) {
	var j poolAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CrossMarginDeposit: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.CrossMarginDeposit{
		Header:          h,
		CollateralAsset: j.CollateralAsset,
		Amount:          j.Amount,
	}, nil
}

func parseCrossMarginWithdraw(data []byte) (*instruction.CrossMarginWithdraw, error) {
	var j poolAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CrossMarginWithdraw: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.CrossMarginWithdraw{
		Header:          h,
		CollateralAsset: j.CollateralAsset,
		Amount:          j.Amount,
	}, nil
}

type poolMoveJSON struct {
	headerJSON
	DealID uint64 `json:"deal_id"`
	Long   bool   `json:"long"`
	Amount int64  `json:"amount"`
}

func parseCrossMarginMoveToDeal(data []byte) (*instruction.CrossMarginMoveToDeal, error) {
	var j poolMoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CrossMarginMoveToDeal: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.CrossMarginMoveToDeal{
		Header: h,
		DealID: j.DealID,
		Long:   j.Long,
		Amount: j.Amount,
	}, nil
}

func parseCrossMarginMoveFromDeal(data []byte) (*instruction.CrossMarginMoveFromDeal, error) {
	var j poolMoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CrossMarginMoveFromDeal: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.CrossMarginMoveFromDeal{
		Header: h,
		DealID: j.DealID,
		Long:   j.Long,
		Amount: j.Amount,
	}, nil
}

func parseYieldPark(data []byte) (*instruction.YieldPark, error) {
	var j poolMoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse YieldPark: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.YieldPark{
		Header: h,
		DealID: j.DealID,
		Long:   j.Long,
		Amount: j.Amount,
	}, nil
}

func parseYieldUnpark(data []byte) (*instruction.YieldUnpark, error) {
	var j poolMoveJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse YieldUnpark: %w", err)
	}
	h, err := j.toHeader()
	if err != nil {
		return nil, err
	}
	return &instruction.YieldUnpark{
		Header: h,
		DealID: j.DealID,
		Long:   j.Long,
		Amount: j.Amount,
	}, nil
}
