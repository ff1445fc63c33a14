package repository

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDocumentAPI is a minimal in-memory document backend for repository
// tests. It understands only the conditions and filters this package
// generates.
type fakeDocumentAPI struct {
	tables map[string][]map[string]types.AttributeValue
	calls  int
}

func newFakeDocumentAPI() *fakeDocumentAPI {
	return &fakeDocumentAPI{tables: map[string][]map[string]types.AttributeValue{}}
}

func fakeAttrS(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDocumentAPI) find(table string, key map[string]types.AttributeValue) (int, map[string]types.AttributeValue) {
	for i, item := range f.tables[table] {
		if fakeAttrS(item, "pk") == fakeAttrS(key, "pk") && fakeAttrS(item, "sk") == fakeAttrS(key, "sk") {
			return i, item
		}
	}
	return -1, nil
}

func fakeAttrEqual(a, b types.AttributeValue) bool {
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

func fakeMatchFilter(item map[string]types.AttributeValue, filter *string, values map[string]types.AttributeValue) bool {
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
		if got == nil || !fakeAttrEqual(got, want) {
			return false
		}
	}
	return true
}

func (f *fakeDocumentAPI) page(matched []map[string]types.AttributeValue, limit *int32, startKey map[string]types.AttributeValue, filter *string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	start := 0
	if startKey != nil {
		for i, item := range matched {
			if fakeAttrS(item, "pk") == fakeAttrS(startKey, "pk") && fakeAttrS(item, "sk") == fakeAttrS(startKey, "sk") {
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
		if fakeMatchFilter(item, filter, values) {
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

func (f *fakeDocumentAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.calls++
	_, item := f.find(aws.ToString(params.TableName), params.Key)
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDocumentAPI) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.calls++
	table := aws.ToString(params.TableName)
	i, existing := f.find(table, params.Item)

	if cond := aws.ToString(params.ConditionExpression); cond != "" {
		failed := false
		switch {
		case cond == "attribute_not_exists(id)":
			failed = existing != nil
		case strings.Contains(cond, "#tag"):
			expected := params.ExpressionAttributeValues[":expected"]
			failed = existing == nil || !fakeAttrEqual(existing["tag"], expected)
		}
		if failed {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}

	if i >= 0 {
		f.tables[table][i] = params.Item
	} else {
		f.tables[table] = append(f.tables[table], params.Item)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDocumentAPI) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.calls++
	table := aws.ToString(params.TableName)
	i, existing := f.find(table, params.Key)
	if existing == nil && aws.ToString(params.ConditionExpression) == "attribute_exists(id)" {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	if i >= 0 {
		f.tables[table] = append(f.tables[table][:i], f.tables[table][i+1:]...)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDocumentAPI) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.calls++
	values := params.ExpressionAttributeValues
	pk, _ := values[":pk"].(*types.AttributeValueMemberS)

	var matched []map[string]types.AttributeValue
	for _, item := range f.tables[aws.ToString(params.TableName)] {
		if pk == nil || fakeAttrS(item, "pk") != pk.Value {
			continue
		}
		if strings.Contains(aws.ToString(params.KeyConditionExpression), "begins_with") {
			prefix, _ := values[":skprefix"].(*types.AttributeValueMemberS)
			if prefix == nil || !strings.HasPrefix(fakeAttrS(item, "sk"), prefix.Value) {
				continue
			}
		}
		matched = append(matched, item)
	}
	items, lastKey := f.page(matched, params.Limit, params.ExclusiveStartKey, params.FilterExpression, values)
	return &dynamodb.QueryOutput{Items: items, LastEvaluatedKey: lastKey}, nil
}

func (f *fakeDocumentAPI) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.calls++
	matched := append([]map[string]types.AttributeValue(nil), f.tables[aws.ToString(params.TableName)]...)
	items, lastKey := f.page(matched, params.Limit, params.ExclusiveStartKey, params.FilterExpression, params.ExpressionAttributeValues)
	return &dynamodb.ScanOutput{Items: items, LastEvaluatedKey: lastKey}, nil
}

func (f *fakeDocumentAPI) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.calls++
	for _, item := range params.TransactItems {
		switch {
		case item.Put != nil:
			if _, err := f.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 item.Put.TableName,
				Item:                      item.Put.Item,
				ConditionExpression:       item.Put.ConditionExpression,
				ExpressionAttributeNames:  item.Put.ExpressionAttributeNames,
				ExpressionAttributeValues: item.Put.ExpressionAttributeValues,
			}); err != nil {
				return nil, err
			}
		case item.Delete != nil:
			if _, err := f.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:           item.Delete.TableName,
				Key:                 item.Delete.Key,
				ConditionExpression: item.Delete.ConditionExpression,
			}); err != nil {
				return nil, err
			}
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDocumentAPI) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.tables[aws.ToString(params.TableName)] = nil
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDocumentAPI) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if _, ok := f.tables[aws.ToString(params.TableName)]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableStatus: types.TableStatusActive},
	}, nil
}
