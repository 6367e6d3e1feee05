package models

import (
	"encoding/json"
	"fmt"
)

// DocumentType тип реплицируемого документа. Закрытое множество: по одному
// типу на каждую реплицируемую таблицу.
type DocumentType string

const (
	DocInventoryItems   DocumentType = "inventory_items"
	DocShipments        DocumentType = "shipments"
	DocDeliveries       DocumentType = "deliveries"
	DocCustomers        DocumentType = "customers"
	DocTimesheetEntries DocumentType = "timesheet_entries"
)

// PayloadSchemaVersion текущая версия схемы ChangePayload.
// Inbox Processor отклоняет payload с более новой версией (schema mismatch).
const PayloadSchemaVersion = 1

// DocumentTypes возвращает все реплицируемые типы документов.
func DocumentTypes() []DocumentType {
	return []DocumentType{
		DocInventoryItems,
		DocShipments,
		DocDeliveries,
		DocCustomers,
		DocTimesheetEntries,
	}
}

// KnownDocumentType проверяет принадлежность типа закрытому множеству.
func KnownDocumentType(t DocumentType) bool {
	switch t {
	case DocInventoryItems, DocShipments, DocDeliveries, DocCustomers, DocTimesheetEntries:
		return true
	}
	return false
}

// FieldPolicy политика слияния конкурентных записей одного поля.
type FieldPolicy int

const (
	// PolicyLWW скалярное поле: выигрывает запись с большим (timestamp, actor_id)
	PolicyLWW FieldPolicy = iota
	// PolicyUnion многозначное поле (теги): объединение множеств
	PolicyUnion
	// PolicyGuarded физическая величина: конкурентные записи не разрешаются
	// автоматически, а фиксируются как SyncConflict
	PolicyGuarded
)

// fieldPolicies политики слияния по типам документов. Поля, не указанные
// явно, сливаются по LWW.
var fieldPolicies = map[DocumentType]map[string]FieldPolicy{
	DocInventoryItems: {
		"quantity": PolicyGuarded,
		"tags":     PolicyUnion,
	},
	DocShipments: {
		"tags": PolicyUnion,
	},
	DocDeliveries: {
		"packages": PolicyGuarded,
	},
	DocCustomers: {
		"tags": PolicyUnion,
	},
	DocTimesheetEntries: {
		"hours": PolicyGuarded,
	},
}

// PolicyFor возвращает политику слияния поля документа данного типа.
func PolicyFor(docType DocumentType, field string) FieldPolicy {
	if policies, ok := fieldPolicies[docType]; ok {
		if p, ok := policies[field]; ok {
			return p
		}
	}
	return PolicyLWW
}

// ChangePayload структурированный снимок изменения на момент записи.
// Это единственный формат, в котором изменения пересекают границу
// устройства; domain-модули никогда не разбирают compressed_changes.
type ChangePayload struct {
	DocumentType DocumentType `json:"document_type"`
	Entry        ChangeEntry  `json:"entry"`
	// Resolution заполнена только для resolution-записей: стратегия,
	// которой было закрыто разрешенное этой записью противоречие.
	Resolution    ResolutionStrategy `json:"resolution,omitempty"`
	SchemaVersion int                `json:"schema_version"`
}

// Validate проверяет payload перед применением.
func (p *ChangePayload) Validate() error {
	if !KnownDocumentType(p.DocumentType) {
		return fmt.Errorf("unknown document type %q", p.DocumentType)
	}
	if p.SchemaVersion <= 0 || p.SchemaVersion > PayloadSchemaVersion {
		return fmt.Errorf("unsupported payload schema version %d", p.SchemaVersion)
	}
	if p.Entry.ChangeHash == "" {
		return fmt.Errorf("change entry has no hash")
	}
	if p.Entry.ActorID == "" {
		return fmt.Errorf("change entry has no actor")
	}
	return nil
}

// EncodeChangePayload сериализует payload для ChangeRecord.
func EncodeChangePayload(p *ChangePayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change payload: %w", err)
	}
	return data, nil
}

// DecodeChangePayload разбирает и валидирует payload из ChangeRecord.
func DecodeChangePayload(data []byte) (*ChangePayload, error) {
	var p ChangePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// InventoryItemPayload снимок записи таблицы inventory_items.
type InventoryItemPayload struct {
	SKU           string   `json:"sku"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category,omitempty"`
	UnitOfMeasure string   `json:"unit_of_measure"`
	Barcode       string   `json:"barcode,omitempty"`
	Location      string   `json:"location,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Quantity      float64  `json:"quantity"`
	MinStockLevel float64  `json:"min_stock_level"`
	IsActive      bool     `json:"is_active"`
}

// ShipmentPayload снимок записи таблицы shipments.
type ShipmentPayload struct {
	OrderRef       string   `json:"order_ref"`
	Carrier        string   `json:"carrier,omitempty"`
	Status         string   `json:"status"`
	TrackingNumber string   `json:"tracking_number,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	WeightKg       float64  `json:"weight_kg,omitempty"`
}

// DeliveryPayload снимок записи таблицы deliveries.
type DeliveryPayload struct {
	RouteRef    string `json:"route_ref"`
	DriverID    string `json:"driver_id,omitempty"`
	Status      string `json:"status"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
	Notes       string `json:"notes,omitempty"`
	Packages    int    `json:"packages"`
}

// CustomerPayload снимок записи таблицы customers.
type CustomerPayload struct {
	Name    string   `json:"name"`
	Email   string   `json:"email,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Address string   `json:"address,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// TimesheetEntryPayload снимок записи таблицы timesheet_entries.
type TimesheetEntryPayload struct {
	EmployeeID string  `json:"employee_id"`
	StartedAt  string  `json:"started_at"`
	EndedAt    string  `json:"ended_at,omitempty"`
	Hours      float64 `json:"hours"`
	Approved   bool    `json:"approved"`
}
