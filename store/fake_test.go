package store_test

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient is an in-memory stand-in for the DynamoDB client. It implements
// enough of the query surface for the expressions the store generates: key
// conditions on pk with an optional begins_with on sk, and equality filter
// clauses joined with AND.
type fakeClient struct {
	tables map[string][]fakeItem

	getCalls      int
	putCalls      int
	deleteCalls   int
	queryCalls    int
	scanCalls     int
	transactCalls int

	// transactErr, when set, fails the next TransactWriteItems call.
	transactErr error

	// afterTransact runs after each successful TransactWriteItems call.
	afterTransact func()
}

type fakeItem map[string]types.AttributeValue

func newFakeClient() *fakeClient {
	return &fakeClient{tables: make(map[string][]fakeItem)}
}

func (f *fakeClient) calls() int {
	return f.getCalls + f.putCalls + f.deleteCalls + f.queryCalls + f.scanCalls + f.transactCalls
}

func itemS(item fakeItem, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func sameKey(a, b fakeItem) bool {
	return itemS(a, "pk") == itemS(b, "pk") && itemS(a, "sk") == itemS(b, "sk")
}

func (f *fakeClient) find(table string, key fakeItem) (int, fakeItem) {
	for i, item := range f.tables[table] {
		if sameKey(item, key) {
			return i, item
		}
	}
	return -1, nil
}

func (f *fakeClient) sortTable(table string) {
	items := f.tables[table]
	sort.SliceStable(items, func(i, j int) bool {
		if pi, pj := itemS(items[i], "pk"), itemS(items[j], "pk"); pi != pj {
			return pi < pj
		}
		return itemS(items[i], "sk") < itemS(items[j], "sk")
	})
}

func (f *fakeClient) put(table string, item fakeItem) {
	if i, _ := f.find(table, item); i >= 0 {
		f.tables[table][i] = item
	} else {
		f.tables[table] = append(f.tables[table], item)
	}
	f.sortTable(table)
}

// checkCondition evaluates the condition expressions the store generates.
func checkCondition(existing fakeItem, cond *string, names map[string]string, values map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case "attribute_not_exists(id)":
		return existing == nil
	case "attribute_exists(id)":
		return existing != nil
	case "#tag = :expected":
		if existing == nil {
			return false
		}
		expected, _ := values[":expected"].(*types.AttributeValueMemberS)
		return expected != nil && itemS(existing, "tag") == expected.Value
	}
	return true
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

// matchFilter evaluates "name = :param" clauses joined with AND, looking up
// attributes first at the top level and then inside the data payload.
func matchFilter(item fakeItem, filter *string, values map[string]types.AttributeValue) bool {
	if filter == nil {
		return true
	}
	for _, clause := range strings.Split(*filter, " AND ") {
		clause = strings.TrimPrefix(strings.TrimSuffix(strings.TrimSpace(clause), ")"), "(")
		name, param, ok := strings.Cut(clause, " = ")
		if !ok {
			return false
		}
		want, ok := values[strings.TrimSpace(param)]
		if !ok {
			return false
		}
		got := item[strings.TrimSpace(name)]
		if got == nil {
			if data, ok := item["data"].(*types.AttributeValueMemberM); ok {
				got = data.Value[strings.TrimSpace(name)]
			}
		}
		if got == nil || !attrEqual(got, want) {
			return false
		}
	}
	return true
}

func (f *fakeClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getCalls++
	_, item := f.find(aws.ToString(params.TableName), params.Key)
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putCalls++
	table := aws.ToString(params.TableName)
	_, existing := f.find(table, params.Item)
	if !checkCondition(existing, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	f.put(table, params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deleteCalls++
	table := aws.ToString(params.TableName)
	i, existing := f.find(table, params.Key)
	if !checkCondition(existing, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	if i >= 0 {
		f.tables[table] = append(f.tables[table][:i], f.tables[table][i+1:]...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

// page walks items the way the backend does: key-matched items are consumed
// up to Limit, the resume key marks the last consumed item, and the filter
// applies after the limit window.
func (f *fakeClient) page(matched []fakeItem, limit *int32, startKey fakeItem, filter *string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	start := 0
	if startKey != nil {
		for i, item := range matched {
			if sameKey(item, startKey) {
				start = i + 1
				break
			}
		}
	}
	end := len(matched)
	if limit != nil && start+int(*limit) < end {
		end = start + int(*limit)
	}

	var out []map[string]types.AttributeValue
	for _, item := range matched[start:end] {
		if matchFilter(item, filter, values) {
			out = append(out, item)
		}
	}

	var lastKey map[string]types.AttributeValue
	if end < len(matched) {
		lastKey = map[string]types.AttributeValue{
			"pk": matched[end-1]["pk"],
			"sk": matched[end-1]["sk"],
		}
	}
	return out, lastKey
}

func (f *fakeClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryCalls++
	values := params.ExpressionAttributeValues
	pk, _ := values[":pk"].(*types.AttributeValueMemberS)

	var matched []fakeItem
	for _, item := range f.tables[aws.ToString(params.TableName)] {
		if pk == nil || itemS(item, "pk") != pk.Value {
			continue
		}
		if strings.Contains(aws.ToString(params.KeyConditionExpression), "begins_with") {
			prefix, _ := values[":skprefix"].(*types.AttributeValueMemberS)
			if prefix == nil || !strings.HasPrefix(itemS(item, "sk"), prefix.Value) {
				continue
			}
		}
		matched = append(matched, item)
	}
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		reversed := make([]fakeItem, len(matched))
		for i, item := range matched {
			reversed[len(matched)-1-i] = item
		}
		matched = reversed
	}

	items, lastKey := f.page(matched, params.Limit, params.ExclusiveStartKey, params.FilterExpression, values)
	return &dynamodb.QueryOutput{Items: items, LastEvaluatedKey: lastKey}, nil
}

func (f *fakeClient) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scanCalls++
	matched := append([]fakeItem(nil), f.tables[aws.ToString(params.TableName)]...)
	items, lastKey := f.page(matched, params.Limit, params.ExclusiveStartKey, params.FilterExpression, params.ExpressionAttributeValues)
	return &dynamodb.ScanOutput{Items: items, LastEvaluatedKey: lastKey}, nil
}

func (f *fakeClient) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transactCalls++
	if err := f.transactErr; err != nil {
		f.transactErr = nil
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// All-or-nothing: evaluate every condition before applying anything.
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, item := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		switch {
		case item.Put != nil:
			_, existing := f.find(aws.ToString(item.Put.TableName), item.Put.Item)
			if !checkCondition(existing, item.Put.ConditionExpression, item.Put.ExpressionAttributeNames, item.Put.ExpressionAttributeValues) {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
			}
		case item.Delete != nil:
			_, existing := f.find(aws.ToString(item.Delete.TableName), item.Delete.Key)
			if !checkCondition(existing, item.Delete.ConditionExpression, item.Delete.ExpressionAttributeNames, item.Delete.ExpressionAttributeValues) {
				reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
				failed = true
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, item := range params.TransactItems {
		switch {
		case item.Put != nil:
			f.put(aws.ToString(item.Put.TableName), item.Put.Item)
		case item.Delete != nil:
			table := aws.ToString(item.Delete.TableName)
			if i, _ := f.find(table, item.Delete.Key); i >= 0 {
				f.tables[table] = append(f.tables[table][:i], f.tables[table][i+1:]...)
			}
		}
	}
	if f.afterTransact != nil {
		f.afterTransact()
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeClient) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	table := aws.ToString(params.TableName)
	if _, ok := f.tables[table]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.tables[table] = []fakeItem{}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	table := aws.ToString(params.TableName)
	if _, ok := f.tables[table]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   aws.String(table),
			TableStatus: types.TableStatusActive,
		},
	}, nil
}
