package discount

// Field names a mutable column of a discount record.
type Field string

const (
	// FieldValueType is Record.ValueType.
	FieldValueType Field = "value_type"
	// FieldValue is Record.Value.
	FieldValue Field = "value"
	// FieldAmount is Record.Amount.
	FieldAmount Field = "amount_value"
	// FieldCurrency is Record.Currency.
	FieldCurrency Field = "currency"
	// FieldName is Record.Name.
	FieldName Field = "name"
	// FieldTranslatedName is Record.TranslatedName.
	FieldTranslatedName Field = "translated_name"
	// FieldReason is Record.Reason.
	FieldReason Field = "reason"
	// FieldRuleID is Record.RuleID.
	FieldRuleID Field = "promotion_rule_id"
	// FieldVoucherID is Record.VoucherID.
	FieldVoucherID Field = "voucher_id"
	// FieldVoucherCode is Record.VoucherCode.
	FieldVoucherCode Field = "voucher_code"
)

// Diff lists the fields where r differs from p. Decimal fields compare by
// value, so 4.0 and 4.00 are equal.
func Diff(r Record, p Proposal) []Field {
	var fields []Field
	if r.ValueType != p.ValueType {
		fields = append(fields, FieldValueType)
	}
	if !r.Value.Equal(p.Value) {
		fields = append(fields, FieldValue)
	}
	if !r.Amount.Equal(p.Amount) {
		fields = append(fields, FieldAmount)
	}
	if r.Currency != p.Currency {
		fields = append(fields, FieldCurrency)
	}
	if r.Name != p.Name {
		fields = append(fields, FieldName)
	}
	if r.TranslatedName != p.TranslatedName {
		fields = append(fields, FieldTranslatedName)
	}
	if r.Reason != p.Reason {
		fields = append(fields, FieldReason)
	}
	if r.RuleID != p.RuleID {
		fields = append(fields, FieldRuleID)
	}
	if r.VoucherID != p.VoucherID {
		fields = append(fields, FieldVoucherID)
	}
	if r.VoucherCode != p.VoucherCode {
		fields = append(fields, FieldVoucherCode)
	}
	return fields
}

// Patch returns r with the listed fields taken from p.
func Patch(r Record, p Proposal, fields []Field) Record {
	for _, f := range fields {
		switch f {
		case FieldValueType:
			r.ValueType = p.ValueType
		case FieldValue:
			r.Value = p.Value
		case FieldAmount:
			r.Amount = p.Amount
		case FieldCurrency:
			r.Currency = p.Currency
		case FieldName:
			r.Name = p.Name
		case FieldTranslatedName:
			r.TranslatedName = p.TranslatedName
		case FieldReason:
			r.Reason = p.Reason
		case FieldRuleID:
			r.RuleID = p.RuleID
		case FieldVoucherID:
			r.VoucherID = p.VoucherID
		case FieldVoucherCode:
			r.VoucherCode = p.VoucherCode
		}
	}
	return r
}
